package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/kafka"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/metrics"
)

// BatchWriter is the subset of *kafka.Producer the publisher needs.
type BatchWriter interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// KafkaPublisher accumulates events and flushes them to Kafka when the
// batch reaches batchSize or after flushInterval, whichever comes first.
type KafkaPublisher struct {
	writer        BatchWriter
	events        chan Event
	batchSize     int
	flushInterval time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger

	mu      sync.Mutex
	buffer  []kafka.Event
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewKafkaPublisher returns a publisher holding at most queueSize
// unflushed events in its intake queue. m may be nil.
func NewKafkaPublisher(w BatchWriter, queueSize, batchSize int, flushInterval time.Duration, m *metrics.Metrics) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &KafkaPublisher{
		writer:        w,
		events:        make(chan Event, queueSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		metrics:       m,
		logger:        slog.Default().With("component", "progress-publisher"),
		buffer:        make([]kafka.Event, 0, batchSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Publish enqueues e. A full queue drops the event.
func (p *KafkaPublisher) Publish(e Event) {
	select {
	case p.events <- e:
	default:
		p.dropped(1)
		p.logger.Warn("progress queue full, event dropped", "session_id", e.SessionID, "page", e.Page)
	}
}

// Start launches the flush loop. It runs until Close is called or ctx is
// cancelled, then flushes what remains.
func (p *KafkaPublisher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case e := <-p.events:
				if p.add(e) {
					p.flush(ctx)
				}
			case <-ticker.C:
				p.flush(ctx)
			case <-p.stop:
				p.drain()
				return
			case <-ctx.Done():
				p.drain()
				return
			}
		}
	}()
	p.logger.Info("progress publisher started",
		"batch_size", p.batchSize,
		"flush_interval", p.flushInterval,
	)
}

// Close stops the flush loop after a final flush.
func (p *KafkaPublisher) Close() {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

// BufferLen returns the number of events waiting for the next flush.
func (p *KafkaPublisher) BufferLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer) + len(p.events)
}

func (p *KafkaPublisher) add(e Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = append(p.buffer, kafka.Event{Key: e.SessionID, Value: e})
	return len(p.buffer) >= p.batchSize
}

func (p *KafkaPublisher) drain() {
	for {
		select {
		case e := <-p.events:
			p.add(e)
		default:
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.flush(flushCtx)
			cancel()
			return
		}
	}
}

func (p *KafkaPublisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = make([]kafka.Event, 0, p.batchSize)
	p.mu.Unlock()

	if err := p.writer.PublishBatch(ctx, batch); err != nil {
		p.logger.Error("progress flush failed", "batch_size", len(batch), "error", err)
		// Requeue ahead of newer events, capped so a dead broker cannot grow
		// the buffer without bound.
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		limit := p.batchSize * 3
		if len(p.buffer) > limit {
			dropped := len(p.buffer) - limit
			p.buffer = p.buffer[dropped:]
			p.mu.Unlock()
			p.dropped(dropped)
			p.logger.Warn("progress buffer overflow, oldest events dropped", "dropped", dropped)
			return
		}
		p.mu.Unlock()
		return
	}
	p.logger.Debug("progress batch flushed", "events", len(batch))
}

func (p *KafkaPublisher) dropped(n int) {
	if p.metrics != nil {
		p.metrics.ProgressEventsDropped.Add(float64(n))
	}
}
