package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/audit"
)

// AuditService writes audit records from a buffered channel on a
// background worker, so decisions never wait on audit I/O.
type AuditService struct {
	store         audit.AuditStore
	records       chan audit.AuditRecord
	wg            sync.WaitGroup
	stopOnce      sync.Once
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	sendTimeout   time.Duration
	capacity      int

	dropped     atomic.Int64
	lastWarning atomic.Int64
	onDrop      func()
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets how many records are written per store call.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets how often a partial batch is written.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the buffer capacity.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.capacity = size
		}
	}
}

// WithSendTimeout sets how long Record blocks on a full buffer before
// dropping. Zero drops immediately.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) { s.sendTimeout = timeout }
}

// WithDropHook is called once per dropped record, e.g. to bump a metric.
func WithDropHook(fn func()) AuditOption {
	return func(s *AuditService) { s.onDrop = fn }
}

// NewAuditService creates a new AuditService with the given store and options.
func NewAuditService(store audit.AuditStore, logger *slog.Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		store:         store,
		logger:        logger,
		batchSize:     100,
		flushInterval: time.Second,
		sendTimeout:   50 * time.Millisecond,
		capacity:      1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.records = make(chan audit.AuditRecord, s.capacity)
	return s
}

// Start begins the background worker.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record queues a record. On a full buffer it waits up to the send timeout
// and then drops the record.
func (s *AuditService) Record(record audit.AuditRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if depth := len(s.records); depth*100/s.capacity >= 80 {
		s.warnDepth(depth)
	}

	select {
	case s.records <- record:
		return
	default:
	}
	if s.sendTimeout <= 0 {
		s.drop(record)
		return
	}
	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.records <- record:
	case <-timer.C:
		s.drop(record)
	}
}

func (s *AuditService) drop(record audit.AuditRecord) {
	n := s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
	s.logger.Warn("audit record dropped",
		"event_type", record.EventType,
		"request_id", record.RequestID,
		"total_drops", n,
	)
}

// warnDepth logs at most once per second.
func (s *AuditService) warnDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit buffer approaching capacity", "depth", depth, "capacity", s.capacity)
	}
}

// DroppedRecords returns the number of dropped records.
func (s *AuditService) DroppedRecords() int64 { return s.dropped.Load() }

// ChannelDepth returns the number of queued records.
func (s *AuditService) ChannelDepth() int { return len(s.records) }

// ChannelCapacity returns the buffer size.
func (s *AuditService) ChannelCapacity() int { return s.capacity }

// Stop closes the buffer and waits for queued records to be written.
// Record must not be called after Stop.
func (s *AuditService) Stop() {
	s.stopOnce.Do(func() { close(s.records) })
	s.wg.Wait()
}

func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.AuditRecord, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	finish := func() {
		if len(batch) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.flush(flushCtx, batch)
		if err := s.store.Flush(flushCtx); err != nil {
			s.logger.Error("failed to flush audit store", "error", err)
		}
	}

	for {
		select {
		case record, ok := <-s.records:
			if !ok {
				finish()
				return
			}
			batch = append(batch, record)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			for {
				select {
				case record, ok := <-s.records:
					if !ok {
						finish()
						return
					}
					batch = append(batch, record)
				default:
					finish()
					return
				}
			}
		}
	}
}

// flush logs write errors; audit failures never fail a decision.
func (s *AuditService) flush(ctx context.Context, batch []audit.AuditRecord) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write audit batch", "error", err, "count", len(batch))
	}
}
