package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/uruchat/chatd/internal/usageledger"
)

// Store wraps a usageledger.Store with asynchronous batch writes so that the
// streaming hot path never waits on the ledger database.
// WARNING: queued entries may be lost if the process crashes before flushing.
type Store struct {
	underlying    usageledger.Store
	entryChan     chan usageledger.Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	logger        *log.Logger
}

// Config configures the async ledger behavior.
type Config struct {
	BatchSize     int           // maximum entries per batch (default 100)
	FlushInterval time.Duration // maximum time between flushes (default 1s)
	ChannelBuffer int           // queue capacity (default 10000)
	Logger        *log.Logger   // optional diagnostics
}

// New wraps an existing usage ledger store with async batch writing.
func New(underlying usageledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}

	s := &Store{
		underlying:    underlying,
		entryChan:     make(chan usageledger.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
	}
	s.wg.Add(1)
	go s.batchWriter()
	return s
}

func (s *Store) batchWriter() {
	defer s.wg.Done()

	batch := make([]usageledger.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		for _, entry := range batch {
			if err := s.underlying.Record(ctx, entry); err != nil && s.logger != nil {
				s.logger.Printf("usageledger.async: write entry: %v", err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.entryChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Record queues an entry without blocking; when the queue is full the entry
// is dropped with a warning rather than stalling a stream. Entries recorded
// after Close are dropped the same way.
func (s *Store) Record(ctx context.Context, entry usageledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.logger != nil {
			s.logger.Printf("usageledger.async: ledger closed, dropping entry user=%d", entry.UserID)
		}
		return nil
	}
	select {
	case s.entryChan <- entry:
	default:
		if s.logger != nil {
			s.logger.Printf("usageledger.async: queue full, dropping entry user=%d", entry.UserID)
		}
	}
	return nil
}

// Summary delegates to the underlying store.
func (s *Store) Summary(ctx context.Context, userID int64) (usageledger.Summary, error) {
	return s.underlying.Summary(ctx, userID)
}

// ListRecent delegates to the underlying store.
func (s *Store) ListRecent(ctx context.Context, userID int64, limit int) ([]usageledger.Entry, error) {
	return s.underlying.ListRecent(ctx, userID, limit)
}

// Close flushes remaining entries and closes the underlying store. The queue
// is closed on the producer side so a concurrent Record cannot send on a
// closed channel.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.entryChan)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.underlying.Close()
}
