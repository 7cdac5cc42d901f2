package imagebus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/voicereel/voicereel/internal/models"
)

type stubProvider struct {
	name   models.ImageProvider
	images []models.Image
	err    error

	mu    sync.Mutex
	calls int
}

func (s *stubProvider) Name() models.ImageProvider { return s.name }

func (s *stubProvider) Search(ctx context.Context, query string, res Resolution) (*SearchResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	images := make([]models.Image, len(s.images))
	copy(images, s.images)
	for i := range images {
		images[i].Provider = s.name
		images[i].Query = query
	}
	return &SearchResult{Provider: s.name, Query: query, Images: images}, nil
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.AttemptDelayMS = 0
	return p
}

func quality(url string) models.Image {
	return models.Image{URL: url, Width: 1920, Height: 1080}
}

func TestGetImagesFirstProviderWins(t *testing.T) {
	unsplash := &stubProvider{name: models.ProviderUnsplash, images: []models.Image{quality("https://u.example/a.jpg")}}
	pexels := &stubProvider{name: models.ProviderPexels, images: []models.Image{quality("https://p.example/b.jpg")}}

	bus := New(testPolicy(), []Provider{unsplash, pexels})

	images := bus.GetImages(context.Background(), "mountain", 1, "", Resolution{1920, 1080})
	if len(images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(images))
	}
	if images[0].URL != "https://u.example/a.jpg" {
		t.Errorf("expected the primary provider's image, got %q", images[0].URL)
	}
	if pexels.calls != 0 {
		t.Errorf("expected pexels untouched, got %d calls", pexels.calls)
	}
}

func TestGetImagesFallsThroughOnError(t *testing.T) {
	unsplash := &stubProvider{name: models.ProviderUnsplash, err: errors.New("rate limited")}
	pexels := &stubProvider{name: models.ProviderPexels, images: []models.Image{quality("https://p.example/b.jpg")}}

	bus := New(testPolicy(), []Provider{unsplash, pexels})

	images := bus.GetImages(context.Background(), "mountain", 1, "", Resolution{1920, 1080})
	if len(images) != 1 || images[0].Provider != models.ProviderPexels {
		t.Fatalf("expected pexels to serve after unsplash error, got %+v", images)
	}
}

func TestGetImagesQualityGateSkipsProvider(t *testing.T) {
	// Unsplash only returns placeholders; pexels has a real image.
	unsplash := &stubProvider{name: models.ProviderUnsplash, images: []models.Image{quality("https://u.example/placeholder.jpg")}}
	pexels := &stubProvider{name: models.ProviderPexels, images: []models.Image{quality("https://p.example/real.jpg")}}

	bus := New(testPolicy(), []Provider{unsplash, pexels})

	images := bus.GetImages(context.Background(), "mountain", 1, "", Resolution{1920, 1080})
	if len(images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(images))
	}
	if images[0].URL != "https://p.example/real.jpg" {
		t.Errorf("expected the quality image, got %q", images[0].URL)
	}
}

func TestGetImagesRelaxedPassAcceptsFiltered(t *testing.T) {
	// Every provider only has sub-floor images, so the strict pass finds
	// nothing and the relaxed pass accepts them anyway.
	small := models.Image{URL: "https://u.example/small.jpg", Width: 320, Height: 240, Provider: models.ProviderUnsplash}
	unsplash := &stubProvider{name: models.ProviderUnsplash, images: []models.Image{small}}

	bus := New(testPolicy(), []Provider{unsplash})

	images := bus.GetImages(context.Background(), "mountain", 1, "", Resolution{1920, 1080})
	if len(images) != 1 {
		t.Fatalf("expected relaxed pass to return the image, got %d", len(images))
	}
	if images[0].URL != small.URL {
		t.Errorf("expected %q, got %q", small.URL, images[0].URL)
	}
	// Two strict cycles plus one relaxed cycle.
	if unsplash.calls != 3 {
		t.Errorf("expected 3 search calls, got %d", unsplash.calls)
	}
}

func TestGetImagesTotalFailureReturnsEmpty(t *testing.T) {
	unsplash := &stubProvider{name: models.ProviderUnsplash, err: errors.New("down")}
	pexels := &stubProvider{name: models.ProviderPexels, err: errors.New("down")}

	bus := New(testPolicy(), []Provider{unsplash, pexels})

	images := bus.GetImages(context.Background(), "mountain", 1, "", Resolution{1920, 1080})
	if len(images) != 0 {
		t.Fatalf("expected no images when every provider fails, got %d", len(images))
	}
}

func TestGetImagesFamousPersonRouting(t *testing.T) {
	unsplash := &stubProvider{name: models.ProviderUnsplash, images: []models.Image{quality("https://u.example/a.jpg")}}
	wikimedia := &stubProvider{name: models.ProviderWikimedia, images: []models.Image{quality("https://w.example/portrait.jpg")}}

	bus := New(testPolicy(), []Provider{unsplash, wikimedia})

	images := bus.GetImages(context.Background(), "marie curie", 1, CategoryFamousPerson, Resolution{1920, 1080})
	if len(images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(images))
	}
	if images[0].URL != "https://w.example/portrait.jpg" {
		t.Errorf("expected wikimedia first for famous_person, got %q", images[0].URL)
	}

	// Without the category hint the normal order applies.
	unsplash.calls, wikimedia.calls = 0, 0
	images = bus.GetImages(context.Background(), "marie curie", 1, "", Resolution{1920, 1080})
	if images[0].URL != "https://u.example/a.jpg" {
		t.Errorf("expected unsplash first without category, got %q", images[0].URL)
	}

	// The default tiers still back up a failing category override.
	unsplash.calls, wikimedia.calls = 0, 0
	wikimedia.err = errors.New("api down")
	images = bus.GetImages(context.Background(), "marie curie", 1, CategoryFamousPerson, Resolution{1920, 1080})
	if len(images) != 1 {
		t.Fatalf("expected 1 image from the default tier, got %d", len(images))
	}
	if images[0].URL != "https://u.example/a.jpg" {
		t.Errorf("expected unsplash to back up wikimedia, got %q", images[0].URL)
	}
}

func TestGetImagesConcurrent(t *testing.T) {
	unsplash := &stubProvider{name: models.ProviderUnsplash, images: []models.Image{
		{URL: "https://u.example/placeholder.jpg", Width: 1920, Height: 1080},
		quality("https://u.example/real.jpg"),
	}}
	bus := New(testPolicy(), []Provider{unsplash})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			images := bus.GetImages(context.Background(), "mountain", 1, "", Resolution{1920, 1080})
			if len(images) != 1 {
				t.Errorf("expected 1 image, got %d", len(images))
				return
			}
			if images[0].URL != "https://u.example/real.jpg" {
				t.Errorf("placeholder slipped through the gate: %q", images[0].URL)
			}
		}()
	}
	wg.Wait()
}

func TestGetImagesCountLimit(t *testing.T) {
	many := []models.Image{
		quality("https://u.example/1.jpg"),
		quality("https://u.example/2.jpg"),
		quality("https://u.example/3.jpg"),
	}
	unsplash := &stubProvider{name: models.ProviderUnsplash, images: many}

	bus := New(testPolicy(), []Provider{unsplash})

	images := bus.GetImages(context.Background(), "forest", 2, "", Resolution{1920, 1080})
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}

	// count <= 0 still delivers one image.
	images = bus.GetImages(context.Background(), "forest", 0, "", Resolution{1920, 1080})
	if len(images) != 1 {
		t.Fatalf("expected 1 image for count 0, got %d", len(images))
	}
}

func TestGetImagesUnconfiguredProvider(t *testing.T) {
	// The policy names keyed providers that were never constructed; only
	// the configured one should be consulted.
	pexels := &stubProvider{name: models.ProviderPexels, images: []models.Image{quality("https://p.example/b.jpg")}}

	bus := New(testPolicy(), []Provider{pexels})

	images := bus.GetImages(context.Background(), "ocean", 1, "", Resolution{1920, 1080})
	if len(images) != 1 || images[0].Provider != models.ProviderPexels {
		t.Fatalf("expected the configured provider to serve, got %+v", images)
	}
}

func TestGetImagesNoProviders(t *testing.T) {
	bus := New(testPolicy(), nil)
	if images := bus.GetImages(context.Background(), "ocean", 1, "", Resolution{}); images != nil {
		t.Fatalf("expected nil with no providers, got %+v", images)
	}
}
