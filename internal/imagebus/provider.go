package imagebus

import (
	"context"

	"github.com/voicereel/voicereel/internal/models"
)

// Resolution is the target resolution class passed to provider searches.
// Providers use it as a size hint; the bus does not enforce it.
type Resolution struct {
	Width  int
	Height int
}

// SearchResult is one provider's answer to a query. A nil result with a nil
// error means "nothing found"; only transport/API failures return errors.
type SearchResult struct {
	Provider models.ImageProvider
	Query    string
	Images   []models.Image
}

// Provider is a single image-search backend. Implementations must be safe for
// concurrent use; they hold only immutable configuration.
type Provider interface {
	Name() models.ImageProvider
	Search(ctx context.Context, query string, res Resolution) (*SearchResult, error)
}
