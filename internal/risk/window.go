package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/models"
)

type Signal string

const (
	SignalSent          Signal = "sent"
	SignalDelivered     Signal = "delivered"
	SignalFailed        Signal = "failed"
	SignalRejected      Signal = "rejected"
	SignalBlocked       Signal = "blocked"
	SignalReported      Signal = "reported"
	SignalQualityRating Signal = "quality_rating"
	SignalBanNotice     Signal = "ban_notice"
)

func (s Signal) Valid() bool {
	switch s {
	case SignalSent, SignalDelivered, SignalFailed, SignalRejected, SignalBlocked,
		SignalReported, SignalQualityRating, SignalBanNotice:
		return true
	}
	return false
}

// Incidents can raise the stored score and reset the decay clock
func (s Signal) Incident(value float64) bool {
	switch s {
	case SignalFailed, SignalRejected, SignalBlocked, SignalReported, SignalBanNotice:
		return true
	case SignalQualityRating:
		return value > 0
	}
	return false
}

// Maps a provider quality rating to the quality_rating observation
func QualityValue(rating string) (float64, error) {
	switch strings.ToUpper(strings.TrimSpace(rating)) {
	case "GREEN", "HIGH":
		return 0, nil
	case "YELLOW", "MEDIUM":
		return 0.5, nil
	case "RED", "LOW":
		return 1, nil
	}
	return 0, fmt.Errorf("unknown quality rating %q: %w", rating, apperror.ErrInvalidArgument)
}

const windowHours = 24

type hourBucket struct {
	hour      int64
	sent      int
	delivered int
	failed    int
	rejected  int
	blocked   int
	reported  int
	quality   float64
	banned    bool
}

// Rolling 24h of hourly counters for one entity
type window struct {
	entityType models.EntityType
	entityID   string
	klienID    string
	buckets    [windowHours]hourBucket
	last       time.Time
}

func hourOf(t time.Time) int64 {
	return t.Unix() / 3600
}

func (w *window) bucket(at time.Time) *hourBucket {
	hour := hourOf(at)
	b := &w.buckets[hour%windowHours]
	if b.hour > hour {
		// older than the window
		return nil
	}
	if b.hour != hour {
		*b = hourBucket{hour: hour}
	}
	return b
}

func (w *window) add(signal Signal, value float64, at time.Time) {
	b := w.bucket(at)
	if b == nil {
		return
	}
	switch signal {
	case SignalSent:
		b.sent++
	case SignalDelivered:
		b.delivered++
	case SignalFailed:
		b.failed++
	case SignalRejected:
		b.rejected++
	case SignalBlocked:
		b.blocked++
	case SignalReported:
		b.reported++
	case SignalQualityRating:
		if value > b.quality {
			b.quality = value
		}
	case SignalBanNotice:
		b.banned = true
	}
	if at.After(w.last) {
		w.last = at
	}
}

// Observed values per risk factor over the last 24 hours at now
type Observed map[string]float64

func (w *window) observe(now time.Time, minVolume int) Observed {
	current := hourOf(now)
	var sent, delivered, failed, rejected, blocked, reported int
	var quality float64
	var banned bool
	var lastHour int
	previous := 0

	for _, b := range w.buckets {
		age := current - b.hour
		if age < 0 || age >= windowHours {
			continue
		}
		sent += b.sent
		delivered += b.delivered
		failed += b.failed
		rejected += b.rejected
		blocked += b.blocked
		reported += b.reported
		if b.quality > quality {
			quality = b.quality
		}
		banned = banned || b.banned
		if age == 0 {
			lastHour = b.sent
		} else {
			previous += b.sent
		}
	}

	volume := sent
	if outcomes := delivered + failed + rejected + blocked; outcomes > volume {
		volume = outcomes
	}

	out := Observed{"quality_rating": quality}
	if banned {
		out["ban_notice"] = 1
	}
	if volume == 0 || volume < minVolume {
		return out
	}

	v := float64(volume)
	out["failure_ratio"] = float64(failed) / v
	out["reject_ratio"] = float64(rejected) / v
	out["block_rate"] = float64(blocked) / v
	out["report_rate"] = float64(reported) / v
	if previous > 0 {
		average := float64(previous) / float64(windowHours-1)
		out["volume_spike"] = float64(lastHour) / average
	}
	return out
}
