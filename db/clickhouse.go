package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"payment_emulator/config"
	"payment_emulator/models"
	"payment_emulator/monitoring"
	"payment_emulator/utils"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS transaction_history (
    request_time DateTime64(3),
    merchant_id String,
    order_id String,
    transaction_id String,
    amount Float64,
    method_id String,
    is_mock Bool,
    status String,
    response_status Int32,
    latency_ms Int64,
    error String
) ENGINE = MergeTree()
ORDER BY (merchant_id, request_time)
`

type historyRow struct {
	RequestTime    time.Time `ch:"request_time"`
	MerchantID     string    `ch:"merchant_id"`
	OrderID        string    `ch:"order_id"`
	TransactionID  string    `ch:"transaction_id"`
	Amount         float64   `ch:"amount"`
	MethodID       string    `ch:"method_id"`
	IsMock         bool      `ch:"is_mock"`
	Status         string    `ch:"status"`
	ResponseStatus int32     `ch:"response_status"`
	LatencyMS      int64     `ch:"latency_ms"`
	Error          string    `ch:"error"`
}

func toRow(h models.TransactionHistory) historyRow {
	return historyRow{
		RequestTime:    h.RequestTime,
		MerchantID:     h.MerchantID,
		OrderID:        h.Request.OrderID,
		TransactionID:  h.Transaction.ID,
		Amount:         h.Request.Amount,
		MethodID:       h.Request.MethodID,
		IsMock:         h.Request.IsMock,
		Status:         string(h.Transaction.Status),
		ResponseStatus: int32(h.ResponseStatus),
		LatencyMS:      h.ResponseTime.Sub(h.RequestTime).Milliseconds(),
		Error:          h.Error,
	}
}

type ClickHouseDB struct {
	conn    driver.Conn
	timeout time.Duration
}

// NewClickHouseDB connects, retrying with backoff for up to a minute, and
// makes sure the history table exists.
func NewClickHouseDB(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*ClickHouseDB, error) {
	ch := cfg.ClickHouse
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", ch.Host, ch.Port)},
		Auth: clickhouse.Auth{
			Database: ch.Database,
			Username: ch.User,
			Password: ch.Password,
		},
		Protocol: clickhouse.Native,
		Debug:    ch.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse: %w", err)
	}

	db := &ClickHouseDB{conn: conn, timeout: ch.QueryTimeout}
	err = utils.Retry(ctx, log, "clickhouse connect", time.Minute, func() error {
		return db.Ping(ctx)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := db.createTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *ClickHouseDB) createTable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	if err := db.conn.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create transaction_history: %w", err)
	}
	return nil
}

func (db *ClickHouseDB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.conn.Ping(ctx)
}

// InsertHistory writes one batch of history records.
func (db *ClickHouseDB) InsertHistory(ctx context.Context, records []models.TransactionHistory) error {
	start := time.Now()
	defer func() {
		monitoring.QueryDuration.WithLabelValues("insert_history").Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO transaction_history")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, h := range records {
		row := toRow(h)
		if err := batch.AppendStruct(&row); err != nil {
			batch.Abort()
			return fmt.Errorf("append row: %w", err)
		}
	}
	return batch.Send()
}

func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}
