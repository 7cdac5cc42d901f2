package imagebus

import (
	"testing"

	"github.com/voicereel/voicereel/internal/models"
)

func TestQualityGateRejectsPlaceholders(t *testing.T) {
	gate := DefaultQualityGate()

	rejected := []string{
		"https://example.com/placeholder.jpg",
		"https://placehold.co/600x400",
		"https://cdn.example.com/images/blur_tiny.jpg",
		"https://example.com/404.png",
		"https://example.com/not-found.jpg",
		"https://example.com/no_image.png",
		"https://example.com/missing.jpg",
		"https://example.com/default.jpg",
		"https://example.com/PLACEHOLDER.JPG",
	}

	for _, url := range rejected {
		if gate.Accept(models.Image{URL: url, Width: 1920, Height: 1080}) {
			t.Errorf("expected %q to be rejected", url)
		}
	}
}

func TestQualityGateAcceptsRealImages(t *testing.T) {
	gate := DefaultQualityGate()

	img := models.Image{URL: "https://images.example.com/photo-123.jpg", Width: 1920, Height: 1080}
	if !gate.Accept(img) {
		t.Error("expected large real image to be accepted")
	}
}

func TestQualityGateDimensionFloor(t *testing.T) {
	gate := DefaultQualityGate()

	small := models.Image{URL: "https://images.example.com/photo.jpg", Width: 640, Height: 480}
	if gate.Accept(small) {
		t.Error("expected 640x480 image to be rejected")
	}

	tallEnough := models.Image{URL: "https://images.example.com/photo.jpg", Width: 800, Height: 600}
	if !gate.Accept(tallEnough) {
		t.Error("expected 800x600 image to be accepted")
	}
}

func TestQualityGateUnknownDimensions(t *testing.T) {
	gate := DefaultQualityGate()

	// Zero dimensions mean the provider did not report them; only the URL
	// check applies then.
	img := models.Image{URL: "https://images.example.com/photo.jpg"}
	if !gate.Accept(img) {
		t.Error("expected image with unknown dimensions to be accepted")
	}

	partial := models.Image{URL: "https://images.example.com/photo.jpg", Width: 100}
	if !gate.Accept(partial) {
		t.Error("dimension floor must only apply when both dimensions are known")
	}
}

func TestQualityGateEmptyURL(t *testing.T) {
	gate := DefaultQualityGate()
	if gate.Accept(models.Image{URL: "  "}) {
		t.Error("expected blank URL to be rejected")
	}
}

func TestFilter(t *testing.T) {
	gate := DefaultQualityGate()

	in := []models.Image{
		{URL: "https://example.com/good.jpg", Width: 1920, Height: 1080},
		{URL: "https://example.com/placeholder.jpg", Width: 1920, Height: 1080},
		{URL: "https://example.com/also-good.jpg"},
	}

	out := gate.Filter(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 images after filtering, got %d", len(out))
	}
	for _, img := range out {
		if img.URL == "https://example.com/placeholder.jpg" {
			t.Error("placeholder survived the filter")
		}
	}
}
