package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"kobo_connect/internal/domain"
	"kobo_connect/internal/repository"
	"kobo_connect/pkg/logger"
)

// BatchWriter buffers delivery events and writes them in batches
type BatchWriter struct {
	repo          repository.EventRepository
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []domain.DeliveryEvent
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	batchesWritten uint64
	eventsWritten  uint64
	eventsDropped  uint64
}

// NewBatchWriter creates a new batch writer and starts its flush loop
func NewBatchWriter(repo repository.EventRepository, batchSize int, flushInterval time.Duration) *BatchWriter {
	bw := &BatchWriter{
		repo:          repo,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buffer:        make([]domain.DeliveryEvent, 0, batchSize),
		stop:          make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.autoFlush()

	logger.Infof("BatchWriter started: %d size, %v interval, backend %s", batchSize, flushInterval, repo.Type())
	return bw
}

// Add buffers an event and flushes when the batch is full
func (bw *BatchWriter) Add(ev domain.DeliveryEvent) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, ev)
	shouldFlush := len(bw.buffer) >= bw.batchSize
	bw.mu.Unlock()

	if shouldFlush {
		bw.Flush()
	}
}

// Flush writes all buffered events. Failed batches are logged and dropped;
// the audit trail never blocks a delivery.
func (bw *BatchWriter) Flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toWrite := make([]domain.DeliveryEvent, len(bw.buffer))
	copy(toWrite, bw.buffer)
	bw.buffer = bw.buffer[:0]
	bw.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := bw.repo.Insert(ctx, toWrite); err != nil {
		atomic.AddUint64(&bw.eventsDropped, uint64(len(toWrite)))
		logger.Errorf("event batch write failed: %d events in %v: %v", len(toWrite), time.Since(start), err)
		return
	}

	atomic.AddUint64(&bw.batchesWritten, 1)
	atomic.AddUint64(&bw.eventsWritten, uint64(len(toWrite)))
	logger.Debugf("flushed %d events in %v", len(toWrite), time.Since(start).Round(time.Millisecond))
}

// Size returns current buffer size
func (bw *BatchWriter) Size() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

func (bw *BatchWriter) autoFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bw.Flush()
		case <-bw.stop:
			bw.Flush()
			return
		}
	}
}

// Stats returns writer statistics
func (bw *BatchWriter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"batches_written": atomic.LoadUint64(&bw.batchesWritten),
		"events_written":  atomic.LoadUint64(&bw.eventsWritten),
		"events_dropped":  atomic.LoadUint64(&bw.eventsDropped),
		"buffer_size":     bw.Size(),
	}
}

// Close stops the flush loop after a final flush
func (bw *BatchWriter) Close() {
	bw.once.Do(func() {
		close(bw.stop)
		bw.wg.Wait()
		logger.Infof("BatchWriter closed. Total: %d batches, %d events",
			atomic.LoadUint64(&bw.batchesWritten), atomic.LoadUint64(&bw.eventsWritten))
	})
}
