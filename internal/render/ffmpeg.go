package render

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// FFmpeg wraps the ffmpeg/ffprobe binaries for clip generation, concatenation
// and muxing. All output parameters come from the constructor so workers and
// the in-process renderer encode identically.
type FFmpeg struct {
	tempDir string
	width   int
	height  int
	fps     int
}

func NewFFmpeg(tempDir string, width, height, fps int) *FFmpeg {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}
	return &FFmpeg{tempDir: tempDir, width: width, height: height, fps: fps}
}

// Resolution returns the configured output resolution as "WxH".
func (f *FFmpeg) Resolution() string {
	return fmt.Sprintf("%dx%d", f.width, f.height)
}

func (f *FFmpeg) FPS() int { return f.fps }

// TempFile returns a path inside the renderer's temp directory.
func (f *FFmpeg) TempFile(name string) string {
	return filepath.Join(f.tempDir, name)
}

// Cleanup removes temp files, ignoring errors.
func (f *FFmpeg) Cleanup(paths ...string) {
	for _, p := range paths {
		if p != "" {
			os.Remove(p)
		}
	}
}

// panParams holds one image's randomized zoom/pan trajectory. Randomized
// per clip for variety; identical pixel output across runs is not a goal.
type panParams struct {
	startZoom, endZoom float64
	startX, endX       float64
	startY, endY       float64
}

func randomPan(singleImage bool) panParams {
	var p panParams
	if singleImage {
		p.startZoom = 1.0 + rand.Float64()*0.2
		p.endZoom = p.startZoom + 0.3 + rand.Float64()*0.2
	} else {
		p.startZoom = 1.0 + rand.Float64()*0.3
		p.endZoom = p.startZoom + 0.2 + rand.Float64()*0.3
	}
	if p.endZoom > 1.8 {
		p.endZoom = 1.8
	}
	p.startX = rand.Float64() * 0.1
	p.startY = rand.Float64() * 0.1
	p.endX = p.startX + (rand.Float64()-0.5)*0.15
	p.endY = p.startY + (rand.Float64()-0.5)*0.15
	return p
}

// zoompanFilter renders one input's Ken Burns trajectory. The image is
// upscaled past the target frame so the pan never exposes an edge.
func (f *FFmpeg) zoompanFilter(p panParams, frameCount int) string {
	overscanW := f.width * 4 / 3
	overscanH := f.height * 4 / 3
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1,"+
			"zoompan=z='%f+(%f-%f)*on/%d':x='iw*%f+(iw*(%f-%f))*on/%d':y='ih*%f+(ih*(%f-%f))*on/%d':"+
			"d=%d:s=%dx%d:fps=%d",
		overscanW, overscanH, f.width, f.height,
		p.startZoom, p.endZoom, p.startZoom, frameCount,
		p.startX, p.endX, p.startX, frameCount,
		p.startY, p.endY, p.startY, frameCount,
		frameCount, f.width, f.height, f.fps,
	)
}

// KenBurnsClip renders imagePaths into one clip of totalDuration seconds,
// dividing time evenly across the images.
func (f *FFmpeg) KenBurnsClip(ctx context.Context, imagePaths []string, outputPath string, totalDuration, timePerImage float64) error {
	if len(imagePaths) == 0 {
		return fmt.Errorf("no images to render")
	}
	if len(imagePaths) == 1 {
		return f.singleImageClip(ctx, imagePaths[0], outputPath, totalDuration)
	}

	frameCount := int(timePerImage * float64(f.fps))
	if frameCount < 1 {
		frameCount = 1
	}

	var args []string
	var filterParts []string
	for i, imgPath := range imagePaths {
		args = append(args, "-loop", "1", "-t", fmt.Sprintf("%.2f", timePerImage), "-i", imgPath)
		filterParts = append(filterParts,
			fmt.Sprintf("[%d:v]%s[v%d]", i, f.zoompanFilter(randomPan(false), frameCount), i))
	}

	var concatInputs strings.Builder
	for i := range imagePaths {
		fmt.Fprintf(&concatInputs, "[v%d]", i)
	}
	filterParts = append(filterParts,
		fmt.Sprintf("%sconcat=n=%d:v=1:a=0[out]", concatInputs.String(), len(imagePaths)))

	args = append(args,
		"-filter_complex", strings.Join(filterParts, ";"),
		"-map", "[out]",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "20",
		"-r", strconv.Itoa(f.fps),
		"-pix_fmt", "yuv420p",
		"-y", outputPath,
	)

	return f.run(ctx, "ffmpeg", args...)
}

func (f *FFmpeg) singleImageClip(ctx context.Context, imagePath, outputPath string, duration float64) error {
	frameCount := int(duration * float64(f.fps))
	if frameCount < 1 {
		frameCount = 1
	}

	args := []string{
		"-loop", "1",
		"-i", imagePath,
		"-filter_complex", f.zoompanFilter(randomPan(true), frameCount),
		"-t", strconv.FormatFloat(duration, 'f', 2, 64),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "20",
		"-r", strconv.Itoa(f.fps),
		"-pix_fmt", "yuv420p",
		"-y", outputPath,
	}

	return f.run(ctx, "ffmpeg", args...)
}

// WriteConcatList writes a concat-demuxer list file for the given clips.
func (f *FFmpeg) WriteConcatList(name string, clipPaths []string) (string, error) {
	listPath := f.TempFile(name)
	var sb strings.Builder
	for _, p := range clipPaths {
		fmt.Fprintf(&sb, "file '%s'\n", p)
	}
	if err := os.WriteFile(listPath, []byte(sb.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write concat list: %w", err)
	}
	return listPath, nil
}

// ConcatCopy joins clips with the concat demuxer without re-encoding.
func (f *FFmpeg) ConcatCopy(ctx context.Context, listPath, outputPath string) error {
	return f.run(ctx, "ffmpeg",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", outputPath,
	)
}

// ConcatReencode joins clips and re-encodes to a consistent codec/profile,
// for segment sets that were not encoded identically.
func (f *FFmpeg) ConcatReencode(ctx context.Context, listPath, outputPath string) error {
	return f.run(ctx, "ffmpeg",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "20",
		"-r", strconv.Itoa(f.fps),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y", outputPath,
	)
}

// MuxAudio lays the narration track over the picture stream, trimming to the
// shorter of the two.
func (f *FFmpeg) MuxAudio(ctx context.Context, videoPath, audioPath, outputPath string) error {
	return f.run(ctx, "ffmpeg",
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "128k",
		"-shortest",
		"-movflags", "+faststart",
		"-y", outputPath,
	)
}

// ProbeDuration measures a video's duration with ffprobe.
func (f *FFmpeg) ProbeDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		videoPath,
	)

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return duration, nil
}

func (f *FFmpeg) run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = os.Stderr

	log.Debug().Str("bin", bin).Strs("args", args).Msg("running command")

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w", bin, err)
	}
	return nil
}
