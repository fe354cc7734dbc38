package catalog

import (
	"context"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	log "github.com/sirupsen/logrus"
)

type TierMirror interface {
	Sync(ctx context.Context, tiers []models.RateLimitTier) error
}

// Writes the catalog's tiers to the rate_limit_tiers table now and after every reload
func MirrorTiers(ctx context.Context, registry *Registry, mirror TierMirror) error {
	if err := mirror.Sync(ctx, registry.Current().TierModels()); err != nil {
		return err
	}

	registry.OnReload(func(c *Catalog) {
		syncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mirror.Sync(syncCtx, c.TierModels()); err != nil {
			log.WithError(err).Error("failed to mirror tiers after reload")
		}
	})
	return nil
}
