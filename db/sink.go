package db

import (
	"context"
	"time"

	"go.uber.org/zap"

	"payment_emulator/models"
	"payment_emulator/monitoring"
	"payment_emulator/utils"
)

// HistoryWriter stores batches of transaction history.
type HistoryWriter interface {
	InsertHistory(ctx context.Context, records []models.TransactionHistory) error
}

// Sink buffers history records and flushes them in batches, either when
// batchSize records are pending or every flushInterval.
type Sink struct {
	writer        HistoryWriter
	records       chan models.TransactionHistory
	batchSize     int
	flushInterval time.Duration
	maxRetry      time.Duration
	log           *zap.SugaredLogger
}

func NewSink(writer HistoryWriter, batchSize int, flushInterval time.Duration, log *zap.SugaredLogger) *Sink {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Sink{
		writer:        writer,
		records:       make(chan models.TransactionHistory, batchSize*2),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxRetry:      30 * time.Second,
		log:           log,
	}
}

// Record queues h without blocking. When the buffer is full the record is
// dropped; the JSON snapshot still has it.
func (s *Sink) Record(h models.TransactionHistory) {
	select {
	case s.records <- h:
	default:
		monitoring.ErrorCounter.WithLabelValues("history_sink_full").Inc()
		s.log.Warnw("History sink full, dropping record", "merchant_id", h.MerchantID, "order_id", h.Request.OrderID)
	}
}

// Run flushes until ctx is done, then drains what is already queued.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	buf := make([]models.TransactionHistory, 0, s.batchSize)
	flush := func(ctx context.Context) {
		if len(buf) == 0 {
			return
		}
		monitoring.BatchSize.Set(float64(len(buf)))
		batch := buf
		err := utils.Retry(ctx, s.log, "insert history", s.maxRetry, func() error {
			return s.writer.InsertHistory(ctx, batch)
		})
		if err != nil {
			monitoring.ErrorCounter.WithLabelValues("history_insert").Inc()
			utils.Error(s.log, err, "Failed to insert history batch", "records", len(batch))
		} else {
			s.log.Debugw("History batch stored", "records", len(batch))
		}
		buf = make([]models.TransactionHistory, 0, s.batchSize)
	}

	for {
		select {
		case h := <-s.records:
			buf = append(buf, h)
			if len(buf) >= s.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			for {
				select {
				case h := <-s.records:
					buf = append(buf, h)
				default:
					final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					flush(final)
					cancel()
					return
				}
			}
		}
	}
}
