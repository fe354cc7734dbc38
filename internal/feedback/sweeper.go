package feedback

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/abuse"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/ratelimit"
	"github.com/aman-churiwal/wa-throttle/internal/risk"
	log "github.com/sirupsen/logrus"
)

type RiskMaintainer interface {
	DecayAll(ctx context.Context) (int, error)
	Observations(now time.Time) []risk.EntityObservation
	Prune(now time.Time) int
}

type SenderEvaluator interface {
	EvaluateAll(ctx context.Context, now time.Time) (int, error)
}

type RestrictionSweeper interface {
	AbuseChecker
	Sweep(ctx context.Context) (int, error)
}

// Holds sweeper configuration
type SweeperConfig struct {
	Interval time.Duration // How often to sweep (default: 1m)
	Timeout  time.Duration // Budget for one sweep (default: interval)
	Now      func() time.Time
}

// Outcome of one sweep
type Report struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	RiskDecayed      int           `json:"risk_decayed"`
	SendersEvaluated int           `json:"senders_evaluated"`
	Restrictions     int           `json:"restrictions_changed"`
	AbuseTriggered   int           `json:"abuse_triggered"`
	WindowsPruned    int           `json:"windows_pruned"`
	Errors           []string      `json:"errors,omitempty"`
}

// Observed ratios the abuse rules match on
var observedSignals = map[string]string{
	"failure_ratio": abuse.SignalFailureRatio,
	"reject_ratio":  abuse.SignalRejectRatio,
	"block_rate":    abuse.SignalBlockRate,
	"report_rate":   abuse.SignalReportRate,
	"volume_spike":  abuse.SignalVolumeSpike,
}

// Sweeper runs the periodic maintenance of the feedback loop: risk decay,
// warm-up aging and recovery, restriction expiry and points decay, and
// abuse checks over violation counts and observed ratios.
type Sweeper struct {
	mu         sync.RWMutex
	risk       RiskMaintainer
	senders    SenderEvaluator
	abuse      RestrictionSweeper
	violations *ratelimit.ViolationTracker
	interval   time.Duration
	timeout    time.Duration
	nowFn      func() time.Time
	last       Report
	stopChan   chan struct{}
	doneChan   chan struct{}
	running    bool
}

func NewSweeper(riskMaintainer RiskMaintainer, senders SenderEvaluator, restrictions RestrictionSweeper, violations *ratelimit.ViolationTracker, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Sweeper{
		risk:       riskMaintainer,
		senders:    senders,
		abuse:      restrictions,
		violations: violations,
		interval:   cfg.Interval,
		timeout:    cfg.Timeout,
		nowFn:      cfg.Now,
	}
}

// Begins periodic sweeps
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	stop, done := s.stopChan, s.doneChan
	s.mu.Unlock()

	log.WithField("interval", s.interval).Info("starting feedback sweeper")

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runOnce(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stops the sweeper and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	s.running = false
	done := s.doneChan
	s.mu.Unlock()

	<-done
	log.Info("feedback sweeper stopped")
}

func (s *Sweeper) LastReport() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Sweeper) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report := s.Sweep(ctx)
	entry := log.WithFields(log.Fields{
		"risk_decayed":         report.RiskDecayed,
		"senders_evaluated":    report.SendersEvaluated,
		"restrictions_changed": report.Restrictions,
		"abuse_triggered":      report.AbuseTriggered,
		"duration":             report.Duration,
	})
	if len(report.Errors) > 0 {
		entry.WithField("errors", len(report.Errors)).Warn("sweep finished with errors")
		return
	}
	entry.Debug("sweep finished")
}

// Runs every maintenance step once. Steps are independent: a failing step is
// reported and the rest still run.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	now := s.nowFn()
	report := Report{StartedAt: now}
	var errs []error

	decayed, err := s.risk.DecayAll(ctx)
	report.RiskDecayed = decayed
	errs = append(errs, err)

	evaluated, err := s.senders.EvaluateAll(ctx, now)
	report.SendersEvaluated = evaluated
	errs = append(errs, err)

	changed, err := s.abuse.Sweep(ctx)
	report.Restrictions = changed
	errs = append(errs, err)

	for klienID, signals := range s.signals(now) {
		triggered, err := s.abuse.Evaluate(ctx, klienID, signals...)
		report.AbuseTriggered += len(triggered)
		errs = append(errs, err)
	}

	report.WindowsPruned = s.risk.Prune(now)
	report.Duration = s.nowFn().Sub(now)

	if err := errors.Join(errs...); err != nil {
		for _, e := range errs {
			if e != nil {
				report.Errors = append(report.Errors, e.Error())
			}
		}
		sort.Strings(report.Errors)
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report
}

// Abuse signals per tenant from violation counts and the risk windows
func (s *Sweeper) signals(now time.Time) map[string][]abuse.Signal {
	out := make(map[string][]abuse.Signal)

	if s.violations != nil {
		for key, count := range s.violations.Snapshot(now) {
			klienID, ok := strings.CutPrefix(key, string(ratelimit.ScopeKlien)+":")
			if !ok {
				continue
			}
			out[klienID] = append(out[klienID], abuse.Signal{
				Type:     abuse.SignalRateLimitViolation,
				EntityID: klienID,
				Value:    float64(count),
				At:       now,
			})
		}
	}

	for _, o := range s.risk.Observations(now) {
		klienID := o.KlienID
		if o.EntityType == models.EntityUser {
			klienID = o.EntityID
		}
		if klienID == "" {
			continue
		}

		names := make([]string, 0, len(o.Observed))
		for name := range o.Observed {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			signalType, ok := observedSignals[name]
			if !ok {
				continue
			}
			out[klienID] = append(out[klienID], abuse.Signal{
				Type:     signalType,
				EntityID: o.EntityID,
				Value:    o.Observed[name],
				At:       now,
			})
		}
	}
	return out
}
