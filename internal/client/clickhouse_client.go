package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"authcore/internal/config"
	"authcore/internal/models"
	"authcore/internal/util"
)

// ClickHouseClient is the analytics sink for security events.
type ClickHouseClient struct {
	conn   driver.Conn
	config *config.ClickhouseConfig
}

func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{extractHostPort(chConfig.URL)},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      30 * time.Second,
		MaxOpenConns:     50,
		MaxIdleConns:     25,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	if cfg.IsProduction() || strings.HasPrefix(chConfig.URL, "https://") {
		opts.TLS = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: extractHostname(chConfig.URL),
		}
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	client := &ClickHouseClient{
		conn:   conn,
		config: &chConfig,
	}

	util.Info("ClickHouse client initialized",
		zap.String("url", chConfig.URL),
		zap.String("database", chConfig.Database))

	return client, nil
}

// InsertSecurityEvent appends one event row. Table layout:
// security_events(event_bucket, event_time, kind, ip, user_id, severity, detail)
func (c *ClickHouseClient) InsertSecurityEvent(ctx context.Context, ev *models.SecurityEvent) error {
	query := `
		INSERT INTO security_events
			(event_bucket, event_time, kind, ip, user_id, severity, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	if err := c.conn.Exec(ctx, query,
		ev.EventBucket, ev.EventTime, ev.Kind, ev.IP, ev.UserID, ev.Severity, ev.Detail); err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return nil
}

func (c *ClickHouseClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func extractHostPort(url string) string {
	hostPort := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	if i := strings.Index(hostPort, "/"); i >= 0 {
		hostPort = hostPort[:i]
	}
	if !strings.Contains(hostPort, ":") {
		hostPort += ":9000"
	}
	return hostPort
}

func extractHostname(url string) string {
	hostPort := extractHostPort(url)
	if i := strings.Index(hostPort, ":"); i >= 0 {
		return hostPort[:i]
	}
	return hostPort
}
