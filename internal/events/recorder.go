package events

import (
	"context"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	log "github.com/sirupsen/logrus"
)

const (
	recorderBatchSize = 100
	// failed batches are retried until this many events are pending
	recorderMaxPending = 10 * recorderBatchSize
)

type EventWriter interface {
	CreateBatch(ctx context.Context, events []*models.EventLog) error
}

// Recorder persists events to the event_log table in batches.
type Recorder struct {
	writer     EventWriter
	ch         chan Event
	flushEvery time.Duration
	done       chan struct{}
}

func NewRecorder(writer EventWriter, bufferSize int, flushEvery time.Duration) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	return &Recorder{
		writer:     writer,
		ch:         make(chan Event, bufferSize),
		flushEvery: flushEvery,
		done:       make(chan struct{}),
	}
}

// Subscribes the recorder to every stream on the bus
func (r *Recorder) Attach(bus *Bus) {
	bus.Subscribe(SubscribeOptions{Name: "recorder", Buffer: cap(r.ch), Blocking: true}, r.Record)
}

// Queues an event; blocks while the buffer is full
func (r *Recorder) Record(e Event) {
	r.ch <- e
}

// Runs the batch writer until ctx is done, then flushes what is queued
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)

	batch := make([]*models.EventLog, 0, recorderBatchSize)
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case e := <-r.ch:
			batch = append(batch, e.Model())

			// Insert when batch is full
			if len(batch) >= recorderBatchSize {
				batch = r.insertBatch(batch)
			}
		case <-ticker.C:
			// Periodically insert remaining events
			if len(batch) > 0 {
				batch = r.insertBatch(batch)
			}
		case <-ctx.Done():
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e.Model())
				default:
					if len(batch) > 0 {
						r.insertBatch(batch)
					}
					return
				}
			}
		}
	}
}

// Waits for Run to return
func (r *Recorder) Wait() {
	<-r.done
}

// Writes a batch, returning what is still pending
func (r *Recorder) insertBatch(batch []*models.EventLog) []*models.EventLog {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.writer.CreateBatch(ctx, batch); err != nil {
		if len(batch) >= recorderMaxPending {
			log.WithError(err).WithField("count", len(batch)).Error("failed to insert events, dropping batch")
			return make([]*models.EventLog, 0, recorderBatchSize)
		}
		log.WithError(err).WithField("count", len(batch)).Warn("failed to insert events, will retry")
		return batch
	}
	return make([]*models.EventLog, 0, recorderBatchSize)
}
