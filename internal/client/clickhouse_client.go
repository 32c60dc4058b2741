package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"onboard-service/internal/config"
	"onboard-service/internal/util"
)

const clickhouseNativePort = "9000"

// ClickHouseClient holds the analytics connection flow events are recorded to
type ClickHouseClient struct {
	conn     driver.Conn
	database string
	mu       sync.RWMutex
}

// NewClickHouseClient connects over the native protocol. Inserts are
// asynchronous on the server side so a burst of flow events is merged
// into few parts.
func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chCfg := cfg.Clickhouse
	addr := clickhouseAddr(chCfg.URL)

	opts := &ch.Options{
		Addr: []string{addr},
		Auth: ch.Auth{
			Database: chCfg.Database,
			Username: chCfg.Username,
			Password: chCfg.Password,
		},
		Settings: ch.Settings{
			"async_insert":          1,
			"wait_for_async_insert": 0,
		},
		Compression:     &ch.Compression{Method: ch.CompressionLZ4},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}

	if cfg.IsProduction() || strings.HasPrefix(chCfg.URL, "https://") {
		host, _, _ := net.SplitHostPort(addr)
		tlsCfg, err := tlsFiles{
			CAFile:     util.GetEnv("CLICKHOUSE_CA_FILE", ""),
			ServerName: host,
		}.load("ClickHouse")
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsCfg
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse at %s: %w", addr, err)
	}

	logger.Info("ClickHouse client initialized",
		zap.String("addr", addr),
		zap.String("database", chCfg.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)

	return &ClickHouseClient{conn: conn, database: chCfg.Database}, nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Exec(ctx, query, args...)
}

// BatchInsert sends rows as one block; a row that does not fit the
// statement aborts the whole batch.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row %d: %w", i, err)
		}
	}
	return batch.Send()
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return fmt.Errorf("clickhouse connection closed")
	}
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return nil
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		util.Error("Failed to close ClickHouse connection", zap.String("database", c.database), zap.Error(err))
		return err
	}
	util.Info("ClickHouse connection closed")
	return nil
}

// clickhouseAddr reduces a URL or bare host to host:port, defaulting to the native port
func clickhouseAddr(raw string) string {
	addr := raw
	for _, scheme := range []string{"clickhouse://", "tcp://", "https://", "http://"} {
		addr = strings.TrimPrefix(addr, scheme)
	}
	if i := strings.IndexAny(addr, "/?"); i >= 0 {
		addr = addr[:i]
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, clickhouseNativePort)
	}
	return addr
}
