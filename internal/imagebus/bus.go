// Package imagebus queries multiple image providers with priority ordering,
// quality filtering, and relaxed-mode fallback. Total failure degrades to an
// empty result; the bus never returns an error to its caller.
package imagebus

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicereel/voicereel/internal/models"
)

// CategoryFamousPerson routes the portrait-biased encyclopedia provider to
// the primary tier. Any other category hint uses the default ordering.
const CategoryFamousPerson = "famous_person"

// Policy is the provider-ordering and quality configuration. It is plain
// data so operators can override it from a YAML file.
type Policy struct {
	// Primary and Fallback name the default tiers, tried in order.
	Primary  []models.ImageProvider `yaml:"primary" json:"primary"`
	Fallback []models.ImageProvider `yaml:"fallback" json:"fallback"`
	// CategoryPrimary overrides the primary tier per content category; the
	// default primary and fallback tiers are still tried after the override.
	CategoryPrimary map[string][]models.ImageProvider `yaml:"category_primary" json:"category_primary"`
	// AttemptDelayMS is the pause between provider attempts after the first,
	// to respect shared rate limits.
	AttemptDelayMS int         `yaml:"attempt_delay_ms" json:"attempt_delay_ms"`
	Quality        QualityGate `yaml:"quality" json:"quality"`
}

// DefaultPolicy: three keyed stock providers first, then the keyless
// providers; famous-person queries put Wikimedia Commons in front.
func DefaultPolicy() Policy {
	return Policy{
		Primary: []models.ImageProvider{
			models.ProviderUnsplash,
			models.ProviderPexels,
			models.ProviderPixabay,
		},
		Fallback: []models.ImageProvider{
			models.ProviderOpenverse,
			models.ProviderWikimedia,
			models.ProviderLoremPicsum,
		},
		CategoryPrimary: map[string][]models.ImageProvider{
			CategoryFamousPerson: {models.ProviderWikimedia},
		},
		AttemptDelayMS: 500,
		Quality:        DefaultQualityGate(),
	}
}

// Bus fans one query out across the configured providers. It holds only
// read-only configuration, so concurrent calls for different segments are
// safe; attempts within one call are sequential to preserve priority order.
type Bus struct {
	policy    Policy
	providers map[models.ImageProvider]Provider
}

// New builds a bus from the given policy and the providers that are actually
// configured. Providers named in the policy but absent from the slice (for
// example a keyed provider with no credential) are skipped.
func New(policy Policy, providers []Provider) *Bus {
	byName := make(map[models.ImageProvider]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	b := &Bus{policy: policy, providers: byName}
	// Compile the quality regexps now; GetImages runs concurrently and the
	// gate must stay read-only after this point.
	b.policy.Quality.compile()
	return b
}

// attemptOrder builds primary ++ fallback for the category, keeping only
// providers that exist, without duplicates.
func (b *Bus) attemptOrder(category string) []Provider {
	primary := b.policy.Primary
	if category != "" {
		if override, ok := b.policy.CategoryPrimary[category]; ok {
			primary = override
		}
	}

	seen := make(map[models.ImageProvider]bool)
	var order []Provider
	add := func(names []models.ImageProvider) {
		for _, name := range names {
			if seen[name] {
				continue
			}
			if p, ok := b.providers[name]; ok {
				order = append(order, p)
				seen[name] = true
			}
		}
	}

	add(primary)
	add(b.policy.Primary)
	add(b.policy.Fallback)
	return order
}

// GetImages returns up to count quality images for the query. The strict pass
// cycles the priority order up to twice, returning the first provider result
// that survives the quality gate; if nothing qualifies, one relaxed pass
// accepts the first non-empty result unfiltered. An empty slice means all
// providers failed or returned nothing, never an error.
func (b *Bus) GetImages(ctx context.Context, query string, count int, category string, res Resolution) []models.Image {
	if count <= 0 {
		count = 1
	}

	order := b.attemptOrder(category)
	if len(order) == 0 {
		log.Warn().Str("query", query).Msg("image bus has no configured providers")
		return nil
	}

	delay := time.Duration(b.policy.AttemptDelayMS) * time.Millisecond

	// Strict pass: cycle the order up to twice, first qualifying result wins.
	maxAttempts := 2 * len(order)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}

		provider := order[attempt%len(order)]
		result, err := provider.Search(ctx, query, res)
		if err != nil {
			log.Debug().Err(err).
				Str("provider", string(provider.Name())).
				Str("query", query).
				Msg("provider search failed, trying next")
			continue
		}
		if result == nil || len(result.Images) == 0 {
			continue
		}

		quality := b.policy.Quality.Filter(result.Images)
		if len(quality) == 0 {
			log.Debug().
				Str("provider", string(provider.Name())).
				Str("query", query).
				Int("raw", len(result.Images)).
				Msg("all results rejected by quality gate")
			continue
		}

		return limit(quality, count)
	}

	// Relaxed pass: one cycle, first non-empty result accepted unfiltered
	// (both placeholder and dimension checks are waived).
	log.Info().Str("query", query).Msg("strict pass found nothing, running relaxed pass")
	for _, provider := range order {
		result, err := provider.Search(ctx, query, res)
		if err != nil {
			log.Debug().Err(err).
				Str("provider", string(provider.Name())).
				Str("query", query).
				Msg("provider search failed in relaxed pass")
			continue
		}
		if result != nil && len(result.Images) > 0 {
			return limit(result.Images, count)
		}
	}

	log.Warn().Str("query", query).Msg("no provider returned images")
	return nil
}

func limit(images []models.Image, count int) []models.Image {
	if len(images) > count {
		return images[:count]
	}
	return images
}
