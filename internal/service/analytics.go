package service

import (
	"context"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/events"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/repository"
)

type SenderCounter interface {
	CountByState(ctx context.Context) (map[models.WarmupState]int64, error)
}

type RiskLister interface {
	List(ctx context.Context) ([]models.RiskScore, error)
}

type RestrictionLister interface {
	ListRestricted(ctx context.Context) ([]models.UserRestriction, error)
}

type EventQuery interface {
	List(ctx context.Context, filter repository.EventFilter) ([]models.EventLog, error)
	CountByStream(ctx context.Context, from, to time.Time) (map[string]map[string]int64, error)
}

// Read-only views for dashboards and incident tooling. Everything here is
// read from storage and may lag the in-memory hot path slightly.
type AnalyticsService struct {
	senders      SenderCounter
	risks        RiskLister
	restrictions RestrictionLister
	events       EventQuery
}

func NewAnalyticsService(senders SenderCounter, risks RiskLister, restrictions RestrictionLister, eventRepo EventQuery) *AnalyticsService {
	return &AnalyticsService{
		senders:      senders,
		risks:        risks,
		restrictions: restrictions,
		events:       eventRepo,
	}
}

// Holds the fleet summary
type FleetSummary struct {
	From                 time.Time                             `json:"from"`
	To                   time.Time                             `json:"to"`
	SendersByState       map[models.WarmupState]int64          `json:"senders_by_state"`
	RiskByLevel          map[models.EntityType]map[string]int64 `json:"risk_by_level"`
	RestrictionsByStatus map[models.RestrictionStatus]int64    `json:"restrictions_by_status"`
	Events               map[string]map[string]int64           `json:"events"`
}

// Retrieves the fleet summary; event counts cover [from, to)
func (s *AnalyticsService) GetSummary(ctx context.Context, from, to time.Time) (*FleetSummary, error) {
	summary := &FleetSummary{
		From:                 from,
		To:                   to,
		RiskByLevel:          make(map[models.EntityType]map[string]int64),
		RestrictionsByStatus: make(map[models.RestrictionStatus]int64),
	}

	byState, err := s.senders.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	summary.SendersByState = byState

	scores, err := s.risks.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, score := range scores {
		if summary.RiskByLevel[score.EntityType] == nil {
			summary.RiskByLevel[score.EntityType] = make(map[string]int64)
		}
		summary.RiskByLevel[score.EntityType][string(score.EffectiveLevel())]++
	}

	restricted, err := s.restrictions.ListRestricted(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range restricted {
		summary.RestrictionsByStatus[row.Status]++
	}

	counts, err := s.events.CountByStream(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.Events = counts

	return summary, nil
}

// Retrieves events newest first with pagination and filtering
func (s *AnalyticsService) GetEvents(ctx context.Context, filter repository.EventFilter) ([]events.Event, error) {
	rows, err := s.events.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, events.FromModel(row))
	}
	return out, nil
}
