package imagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/voicereel/voicereel/internal/models"
)

const (
	searchTimeout  = 20 * time.Second
	perQueryImages = 10 // how many candidates to request per provider call
	userAgent      = "voicereel/1.0 (https://github.com/voicereel/voicereel)"
)

func newSearchClient() *http.Client {
	return &http.Client{Timeout: searchTimeout}
}

// doJSON performs a GET and decodes the JSON body into out.
func doJSON(ctx context.Context, client *http.Client, rawURL string, headers map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Unsplash — keyed stock photos
// ---------------------------------------------------------------------------

type UnsplashProvider struct {
	accessKey string
	client    *http.Client
}

func NewUnsplash(accessKey string) *UnsplashProvider {
	return &UnsplashProvider{accessKey: accessKey, client: newSearchClient()}
}

func (p *UnsplashProvider) Name() models.ImageProvider { return models.ProviderUnsplash }

func (p *UnsplashProvider) Search(ctx context.Context, query string, res Resolution) (*SearchResult, error) {
	endpoint := fmt.Sprintf(
		"https://api.unsplash.com/search/photos?query=%s&per_page=%d&orientation=landscape",
		url.QueryEscape(query), perQueryImages,
	)

	var payload struct {
		Results []struct {
			Width  int `json:"width"`
			Height int `json:"height"`
			URLs   struct {
				Regular string `json:"regular"`
				Full    string `json:"full"`
			} `json:"urls"`
		} `json:"results"`
	}

	headers := map[string]string{"Authorization": "Client-ID " + p.accessKey}
	if err := doJSON(ctx, p.client, endpoint, headers, &payload); err != nil {
		return nil, fmt.Errorf("unsplash search failed: %w", err)
	}

	result := &SearchResult{Provider: p.Name(), Query: query}
	for _, r := range payload.Results {
		u := r.URLs.Regular
		if u == "" {
			u = r.URLs.Full
		}
		result.Images = append(result.Images, models.Image{
			URL:      u,
			Width:    r.Width,
			Height:   r.Height,
			Provider: p.Name(),
			Query:    query,
		})
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Pexels — keyed stock photos
// ---------------------------------------------------------------------------

type PexelsProvider struct {
	apiKey string
	client *http.Client
}

func NewPexels(apiKey string) *PexelsProvider {
	return &PexelsProvider{apiKey: apiKey, client: newSearchClient()}
}

func (p *PexelsProvider) Name() models.ImageProvider { return models.ProviderPexels }

func (p *PexelsProvider) Search(ctx context.Context, query string, res Resolution) (*SearchResult, error) {
	endpoint := fmt.Sprintf(
		"https://api.pexels.com/v1/search?query=%s&per_page=%d",
		url.QueryEscape(query), perQueryImages,
	)

	var payload struct {
		Photos []struct {
			Width  int `json:"width"`
			Height int `json:"height"`
			Src    struct {
				Large2x  string `json:"large2x"`
				Original string `json:"original"`
			} `json:"src"`
		} `json:"photos"`
	}

	headers := map[string]string{"Authorization": p.apiKey}
	if err := doJSON(ctx, p.client, endpoint, headers, &payload); err != nil {
		return nil, fmt.Errorf("pexels search failed: %w", err)
	}

	result := &SearchResult{Provider: p.Name(), Query: query}
	for _, ph := range payload.Photos {
		u := ph.Src.Large2x
		if u == "" {
			u = ph.Src.Original
		}
		result.Images = append(result.Images, models.Image{
			URL:      u,
			Width:    ph.Width,
			Height:   ph.Height,
			Provider: p.Name(),
			Query:    query,
		})
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Pixabay — keyed stock photos
// ---------------------------------------------------------------------------

type PixabayProvider struct {
	apiKey string
	client *http.Client
}

func NewPixabay(apiKey string) *PixabayProvider {
	return &PixabayProvider{apiKey: apiKey, client: newSearchClient()}
}

func (p *PixabayProvider) Name() models.ImageProvider { return models.ProviderPixabay }

func (p *PixabayProvider) Search(ctx context.Context, query string, res Resolution) (*SearchResult, error) {
	endpoint := fmt.Sprintf(
		"https://pixabay.com/api/?key=%s&q=%s&image_type=photo&min_width=%d&min_height=%d&per_page=%d",
		url.QueryEscape(p.apiKey), url.QueryEscape(query), res.Width/2, res.Height/2, perQueryImages,
	)

	var payload struct {
		Hits []struct {
			LargeImageURL string `json:"largeImageURL"`
			ImageWidth    int    `json:"imageWidth"`
			ImageHeight   int    `json:"imageHeight"`
		} `json:"hits"`
	}

	if err := doJSON(ctx, p.client, endpoint, nil, &payload); err != nil {
		return nil, fmt.Errorf("pixabay search failed: %w", err)
	}

	result := &SearchResult{Provider: p.Name(), Query: query}
	for _, h := range payload.Hits {
		result.Images = append(result.Images, models.Image{
			URL:      h.LargeImageURL,
			Width:    h.ImageWidth,
			Height:   h.ImageHeight,
			Provider: p.Name(),
			Query:    query,
		})
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Openverse — zero-configuration, CC-licensed search
// ---------------------------------------------------------------------------

type OpenverseProvider struct {
	client *http.Client
}

func NewOpenverse() *OpenverseProvider {
	return &OpenverseProvider{client: newSearchClient()}
}

func (p *OpenverseProvider) Name() models.ImageProvider { return models.ProviderOpenverse }

func (p *OpenverseProvider) Search(ctx context.Context, query string, res Resolution) (*SearchResult, error) {
	endpoint := fmt.Sprintf(
		"https://api.openverse.org/v1/images/?q=%s&page_size=%d",
		url.QueryEscape(query), perQueryImages,
	)

	var payload struct {
		Results []struct {
			URL    string `json:"url"`
			Width  int    `json:"width"`
			Height int    `json:"height"`
		} `json:"results"`
	}

	if err := doJSON(ctx, p.client, endpoint, nil, &payload); err != nil {
		return nil, fmt.Errorf("openverse search failed: %w", err)
	}

	result := &SearchResult{Provider: p.Name(), Query: query}
	for _, r := range payload.Results {
		result.Images = append(result.Images, models.Image{
			URL:      r.URL,
			Width:    r.Width,
			Height:   r.Height,
			Provider: p.Name(),
			Query:    query,
		})
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Wikimedia Commons — zero-configuration, portrait-biased for famous people
// ---------------------------------------------------------------------------

type WikimediaProvider struct {
	client *http.Client
}

func NewWikimedia() *WikimediaProvider {
	return &WikimediaProvider{client: newSearchClient()}
}

func (p *WikimediaProvider) Name() models.ImageProvider { return models.ProviderWikimedia }

func (p *WikimediaProvider) Search(ctx context.Context, query string, res Resolution) (*SearchResult, error) {
	endpoint := fmt.Sprintf(
		"https://commons.wikimedia.org/w/api.php?action=query&format=json&generator=search"+
			"&gsrsearch=%s&gsrnamespace=6&gsrlimit=%d&prop=imageinfo&iiprop=url%%7Csize&iiurlwidth=%d",
		url.QueryEscape(query), perQueryImages, res.Width,
	)

	var payload struct {
		Query struct {
			Pages map[string]struct {
				ImageInfo []struct {
					ThumbURL    string `json:"thumburl"`
					URL         string `json:"url"`
					ThumbWidth  int    `json:"thumbwidth"`
					ThumbHeight int    `json:"thumbheight"`
					Width       int    `json:"width"`
					Height      int    `json:"height"`
				} `json:"imageinfo"`
			} `json:"pages"`
		} `json:"query"`
	}

	if err := doJSON(ctx, p.client, endpoint, nil, &payload); err != nil {
		return nil, fmt.Errorf("wikimedia search failed: %w", err)
	}

	result := &SearchResult{Provider: p.Name(), Query: query}
	for _, page := range payload.Query.Pages {
		for _, info := range page.ImageInfo {
			u, w, h := info.ThumbURL, info.ThumbWidth, info.ThumbHeight
			if u == "" {
				u, w, h = info.URL, info.Width, info.Height
			}
			result.Images = append(result.Images, models.Image{
				URL:      u,
				Width:    w,
				Height:   h,
				Provider: p.Name(),
				Query:    query,
			})
		}
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Lorem Picsum — zero-configuration last resort. There is no search; the
// query only seeds a deterministic generic photo so retries stay stable.
// ---------------------------------------------------------------------------

type LoremPicsumProvider struct{}

func NewLoremPicsum() *LoremPicsumProvider { return &LoremPicsumProvider{} }

func (p *LoremPicsumProvider) Name() models.ImageProvider { return models.ProviderLoremPicsum }

func (p *LoremPicsumProvider) Search(ctx context.Context, query string, res Resolution) (*SearchResult, error) {
	w, h := res.Width, res.Height
	if w <= 0 || h <= 0 {
		w, h = 1920, 1080
	}

	hash := fnv.New32a()
	hash.Write([]byte(query))

	return &SearchResult{
		Provider: p.Name(),
		Query:    query,
		Images: []models.Image{{
			URL:      fmt.Sprintf("https://picsum.photos/seed/%d/%d/%d", hash.Sum32(), w, h),
			Width:    w,
			Height:   h,
			Provider: p.Name(),
			Query:    query,
		}},
	}, nil
}
