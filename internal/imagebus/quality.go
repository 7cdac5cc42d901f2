package imagebus

import (
	"regexp"
	"strings"

	"github.com/voicereel/voicereel/internal/models"
)

// QualityGate is the predicate every image must pass before being accepted
// into a segment (outside the relaxed pass and the emergency fallback path).
// Both the URL patterns and the dimension floor are data, so callers can
// override them.
type QualityGate struct {
	MinWidth  int `yaml:"min_width" json:"min_width"`
	MinHeight int `yaml:"min_height" json:"min_height"`
	// PlaceholderPatterns are case-insensitive regexps matched against the
	// image URL; a match rejects the image.
	PlaceholderPatterns []string `yaml:"placeholder_patterns" json:"placeholder_patterns"`

	compiled []*regexp.Regexp
}

// DefaultQualityGate rejects known placeholder/blur/404-style URLs and images
// smaller than 800x600 when dimensions are known.
func DefaultQualityGate() QualityGate {
	return QualityGate{
		MinWidth:  800,
		MinHeight: 600,
		PlaceholderPatterns: []string{
			`placeholder`,
			`placehold\.`,
			`blur`,
			`404`,
			`not[-_]?found`,
			`no[-_]?image`,
			`missing`,
			`default\.(jpg|png)`,
		},
	}
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	var compiled []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

// compile caches the pattern regexps. The bus calls this once at
// construction, before any concurrent use; Accept and Filter never mutate
// the gate.
func (g *QualityGate) compile() {
	g.compiled = compilePatterns(g.PlaceholderPatterns)
}

func (g *QualityGate) patterns() []*regexp.Regexp {
	if g.compiled != nil {
		return g.compiled
	}
	return compilePatterns(g.PlaceholderPatterns)
}

// Accept reports whether the image passes the gate. Dimensions are only
// checked when both are known (> 0); some providers omit them.
func (g *QualityGate) Accept(img models.Image) bool {
	return g.accept(g.patterns(), img)
}

func (g *QualityGate) accept(patterns []*regexp.Regexp, img models.Image) bool {
	url := strings.TrimSpace(img.URL)
	if url == "" {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(url) {
			return false
		}
	}

	if img.Width > 0 && img.Height > 0 {
		if img.Width < g.MinWidth || img.Height < g.MinHeight {
			return false
		}
	}
	return true
}

// Filter returns only the images that pass the gate.
func (g *QualityGate) Filter(images []models.Image) []models.Image {
	patterns := g.patterns()
	var out []models.Image
	for _, img := range images {
		if g.accept(patterns, img) {
			out = append(out, img)
		}
	}
	return out
}
