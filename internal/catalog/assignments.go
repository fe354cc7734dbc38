package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

type AssignmentStore interface {
	Get(ctx context.Context, klienID string) (*models.KlienTier, error)
	Upsert(ctx context.Context, assignment *models.KlienTier) error
}

// Assignments resolves a tenant to its active tier. Lookups are cached since
// they sit on the admission path; writes refresh the cache.
type Assignments struct {
	registry *Registry
	store    AssignmentStore
	cache    *cache.Cache
}

func NewAssignments(registry *Registry, store AssignmentStore, ttl time.Duration) *Assignments {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Assignments{
		registry: registry,
		store:    store,
		cache:    cache.New(ttl, 2*ttl),
	}
}

// Returns the segment billing assigned to klienID
func (a *Assignments) SegmentFor(ctx context.Context, klienID string) (string, error) {
	if cached, ok := a.cache.Get(klienID); ok {
		return cached.(string), nil
	}

	assignment, err := a.store.Get(ctx, klienID)
	if err != nil {
		return "", apperror.Stale("tier assignments", klienID, err)
	}

	segment := ""
	if assignment != nil {
		segment = assignment.Segment
	}
	a.cache.SetDefault(klienID, segment)
	return segment, nil
}

// Resolves the tenant's tier, falling back to the default segment. A tenant
// without any resolvable tier is a ConfigurationError.
func (a *Assignments) TierForKlien(ctx context.Context, klienID string) (Tier, error) {
	segment, err := a.SegmentFor(ctx, klienID)
	if err != nil {
		return Tier{}, err
	}

	c := a.registry.Current()
	if segment == "" {
		if c.DefaultSegment == "" {
			return Tier{}, apperror.Configuration(fmt.Sprintf("no tier assigned to klien %s", klienID), apperror.ErrNotFound)
		}
		segment = c.DefaultSegment
	}
	return c.TierBySegment(segment)
}

// Records a billing assignment; the segment must exist in the catalog
func (a *Assignments) Assign(ctx context.Context, klienID, segment, actor string) (*models.KlienTier, error) {
	segment = strings.ToLower(strings.TrimSpace(segment))
	if klienID == "" {
		return nil, fmt.Errorf("klien id is required: %w", apperror.ErrInvalidArgument)
	}
	if !a.registry.Current().HasSegment(segment) {
		return nil, fmt.Errorf("unknown segment %q: %w", segment, apperror.ErrInvalidArgument)
	}

	assignment := &models.KlienTier{KlienID: klienID, Segment: segment, AssignedBy: actor}
	if err := a.store.Upsert(ctx, assignment); err != nil {
		return nil, err
	}
	a.cache.SetDefault(klienID, segment)

	log.WithFields(log.Fields{"klien_id": klienID, "segment": segment, "actor": actor}).Info("tier assigned")
	return assignment, nil
}

func (a *Assignments) Invalidate(klienID string) {
	a.cache.Delete(klienID)
}
