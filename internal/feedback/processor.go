// Package feedback closes the loop from delivery outcomes and provider
// webhooks back into sender warm-up, risk scores and tenant restrictions.
//
// Work runs off the request path on the worker pool. Risk level changes
// reach the warm-up machine and the abuse evaluator through the event bus,
// never through a direct call from the scorer.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/abuse"
	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/events"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/risk"
	"github.com/aman-churiwal/wa-throttle/internal/warmup"
	"github.com/aman-churiwal/wa-throttle/internal/worker"
	log "github.com/sirupsen/logrus"
)

type SenderMachine interface {
	RecordOutcome(ctx context.Context, senderID string, outcome warmup.Outcome, at time.Time) (warmup.Limits, error)
	ApplyProviderSignal(ctx context.Context, senderID string, signal warmup.ProviderSignal) (warmup.Limits, error)
	SetRiskLevel(ctx context.Context, senderID string, level models.RiskLevel) (warmup.Limits, error)
	Suspend(ctx context.Context, senderID string, trigger models.Trigger, actor, reason string) (warmup.Limits, error)
}

type RiskRecorder interface {
	RecordEvent(ctx context.Context, o risk.Observation) (*models.RiskScore, error)
}

type AbuseChecker interface {
	Evaluate(ctx context.Context, klienID string, signals ...abuse.Signal) ([]abuse.TriggeredAction, error)
}

type Submitter interface {
	SubmitDetached(task worker.Task) error
}

type Outcome struct {
	SenderID   string         `json:"sender_id" binding:"required"`
	KlienID    string         `json:"klien_id" binding:"required"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Result     warmup.Outcome `json:"outcome" binding:"required"`
	At         time.Time      `json:"at"`
}

type ProviderEvent struct {
	SenderID string                    `json:"sender_id" binding:"required"`
	KlienID  string                    `json:"klien_id" binding:"required"`
	Kind     warmup.ProviderSignalKind `json:"kind" binding:"required"`
	Quality  string                    `json:"quality,omitempty"`
	Detail   string                    `json:"detail,omitempty"`
	At       time.Time                 `json:"at"`
}

type Processor struct {
	senders SenderMachine
	scorer  RiskRecorder
	abuse   AbuseChecker
	pool    Submitter
	nowFn   func() time.Time
}

func NewProcessor(senders SenderMachine, scorer RiskRecorder, checker AbuseChecker, pool Submitter) *Processor {
	return &Processor{
		senders: senders,
		scorer:  scorer,
		abuse:   checker,
		pool:    pool,
		nowFn:   time.Now,
	}
}

// Validates the outcome and queues it. The returned error only reports
// validation or a full pool; processing failures are logged.
func (p *Processor) HandleOutcome(ctx context.Context, o Outcome) error {
	if o.SenderID == "" || o.KlienID == "" {
		return fmt.Errorf("sender_id and klien_id are required: %w", apperror.ErrInvalidArgument)
	}
	if !o.Result.Valid() {
		return fmt.Errorf("unknown outcome %q: %w", o.Result, apperror.ErrInvalidArgument)
	}
	if o.At.IsZero() {
		o.At = p.nowFn()
	}

	return p.pool.SubmitDetached(func(ctx context.Context) {
		p.applyOutcome(ctx, o)
	})
}

func (p *Processor) HandleProviderEvent(ctx context.Context, e ProviderEvent) error {
	if e.SenderID == "" || e.KlienID == "" {
		return fmt.Errorf("sender_id and klien_id are required: %w", apperror.ErrInvalidArgument)
	}
	signal, value, err := providerSignal(e)
	if err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = p.nowFn()
	}

	return p.pool.SubmitDetached(func(ctx context.Context) {
		p.applyProviderEvent(ctx, e, signal, value)
	})
}

func (p *Processor) applyOutcome(ctx context.Context, o Outcome) {
	entry := log.WithFields(log.Fields{
		"sender_id":   o.SenderID,
		"klien_id":    o.KlienID,
		"campaign_id": o.CampaignID,
		"outcome":     o.Result,
	})

	if _, err := p.senders.RecordOutcome(ctx, o.SenderID, o.Result, o.At); err != nil {
		entry.WithError(err).Warn("failed to apply outcome to sender")
	}
	p.record(ctx, entry, o.SenderID, o.KlienID, o.CampaignID, risk.Signal(o.Result), 0, o.At)
}

func (p *Processor) applyProviderEvent(ctx context.Context, e ProviderEvent, signal risk.Signal, value float64) {
	entry := log.WithFields(log.Fields{
		"sender_id": e.SenderID,
		"klien_id":  e.KlienID,
		"kind":      e.Kind,
	})

	_, err := p.senders.ApplyProviderSignal(ctx, e.SenderID, warmup.ProviderSignal{
		Kind:    e.Kind,
		Quality: e.Quality,
		Detail:  e.Detail,
	})
	if err != nil {
		entry.WithError(err).Warn("failed to apply provider signal to sender")
	}
	p.record(ctx, entry, e.SenderID, e.KlienID, "", signal, value, e.At)
}

// Feeds the signal to every entity it concerns: the sender, its tenant and
// the campaign when known
func (p *Processor) record(ctx context.Context, entry *log.Entry, senderID, klienID, campaignID string, signal risk.Signal, value float64, at time.Time) {
	targets := []struct {
		entityType models.EntityType
		entityID   string
	}{
		{models.EntitySender, senderID},
		{models.EntityUser, klienID},
		{models.EntityCampaign, campaignID},
	}

	for _, target := range targets {
		if target.entityID == "" {
			continue
		}
		_, err := p.scorer.RecordEvent(ctx, risk.Observation{
			EntityType: target.entityType,
			EntityID:   target.entityID,
			KlienID:    klienID,
			Signal:     signal,
			Value:      value,
			At:         at,
		})
		if err != nil {
			entry.WithError(err).WithField("entity_type", target.entityType).Warn("failed to record risk signal")
		}
	}
}

// Subscribes to risk level changes. Sender levels rescale warm-up limits;
// crossing into high_risk or critical runs an abuse check for the tenant.
func (p *Processor) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.SubscribeOptions{
		Name:     "risk-feedback",
		Buffer:   1024,
		Blocking: true,
		Filter: func(e events.Event) bool {
			return e.Stream == events.StreamRisk && e.Kind == events.KindRiskLevelChange
		},
	}, func(e events.Event) {
		err := p.pool.SubmitDetached(func(ctx context.Context) { p.HandleRiskEvent(ctx, e) })
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrPoolOverloaded):
			// a saturated pool applies the change on the subscriber goroutine,
			// which backs up the bus instead of losing an escalation
			log.WithField("entity_id", e.EntityID).Debug("worker pool full, applying risk feedback inline")
			p.HandleRiskEvent(context.Background(), e)
		default:
			log.WithError(err).WithField("entity_id", e.EntityID).Warn("risk feedback dropped")
		}
	})
}

// Applies one risk level change event
func (p *Processor) HandleRiskEvent(ctx context.Context, e events.Event) {
	var after risk.LevelChange
	if err := e.DecodeAfter(&after); err != nil || after.Level == "" {
		log.WithField("event_id", e.ID).Warn("risk event without level")
		return
	}
	entry := log.WithFields(log.Fields{
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"klien_id":    e.KlienID,
		"level":       after.Level,
	})

	sender := e.EntityType == string(models.EntitySender)
	if sender {
		if _, err := p.senders.SetRiskLevel(ctx, e.EntityID, after.Level); err != nil {
			entry.WithError(err).Warn("failed to apply risk level to sender")
		}
	}

	change, escalated := risk.Escalated(e)
	if !escalated || e.KlienID == "" {
		return
	}

	actions, err := p.abuse.Evaluate(ctx, e.KlienID, abuse.Signal{
		Type:     abuse.SignalRiskScore,
		EntityID: e.EntityID,
		Value:    change.Score,
		At:       e.OccurredAt,
	})
	if err != nil {
		entry.WithError(err).Warn("abuse check after risk escalation failed")
	}
	if !sender {
		return
	}

	trigger := models.Trigger("")
	switch {
	case change.Level == models.RiskCritical:
		trigger = models.TriggerCriticalRisk
	case suspends(actions):
		trigger = models.TriggerSevereAbuse
	default:
		return
	}
	if _, err := p.senders.Suspend(ctx, e.EntityID, trigger, "system", fmt.Sprintf("risk score %.2f", change.Score)); err != nil {
		entry.WithError(err).Warn("failed to suspend sender")
		return
	}
	entry.WithField("trigger", trigger).Warn("sender suspended by risk feedback")
}

func suspends(actions []abuse.TriggeredAction) bool {
	for _, a := range actions {
		if a.Action == models.ActionSuspend {
			return true
		}
	}
	return false
}

func providerSignal(e ProviderEvent) (risk.Signal, float64, error) {
	switch e.Kind {
	case warmup.SignalQuality:
		value, err := risk.QualityValue(e.Quality)
		if err != nil {
			return "", 0, err
		}
		return risk.SignalQualityRating, value, nil
	case warmup.SignalBanNotice:
		return risk.SignalBanNotice, 1, nil
	case warmup.SignalBlock:
		return risk.SignalBlocked, 0, nil
	case warmup.SignalFailure:
		return risk.SignalFailed, 0, nil
	}
	return "", 0, fmt.Errorf("unknown provider event %q: %w", e.Kind, apperror.ErrInvalidArgument)
}
