package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/models"
	"security-core/internal/util"
)

const (
	clickhouseNativePort = "9000"
	clickhouseSecurePort = "9440"
)

// ClickHouseClient writes audit analytics rows.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
}

// NewClickHouseClient connects over the native protocol. CLICKHOUSE_URL accepts
// bare host[:port] lists or clickhouse://, tcp:// and https:// URLs; https or
// ?secure=true (and production) turn on TLS.
func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	opts, err := clickhouseOptions(cfg.Clickhouse, cfg.IsProduction())
	if err != nil {
		return nil, err
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, models.Unavailable("clickhouse ping", err)
	}

	logger.Info("ClickHouse client initialized",
		zap.Strings("addrs", opts.Addr),
		zap.String("database", cfg.Clickhouse.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)

	return &ClickHouseClient{conn: conn, database: cfg.Clickhouse.Database}, nil
}

func clickhouseOptions(c config.ClickhouseConfig, production bool) (*ch.Options, error) {
	addrs, secure, err := parseClickHouseAddrs(c.URL)
	if err != nil {
		return nil, err
	}

	opts := &ch.Options{
		Addr: addrs,
		Auth: ch.Auth{
			Username: c.Username,
			Password: c.Password,
			Database: c.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenRoundRobin,
		Compression:      &ch.Compression{Method: ch.CompressionLZ4},
		// audit rows arrive one at a time; let the server batch them
		Settings: ch.Settings{
			"async_insert":          1,
			"wait_for_async_insert": 1,
		},
	}

	if secure || production {
		host, _, _ := net.SplitHostPort(addrs[0])
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
		if caFile := util.GetEnv("CLICKHOUSE_CA_FILE", ""); caFile != "" {
			pem, err := os.ReadFile(caFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", caFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts.TLS = tlsConfig
	}
	return opts, nil
}

// parseClickHouseAddrs returns host:port pairs and whether the URL asked for TLS.
func parseClickHouseAddrs(raw string) ([]string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false, fmt.Errorf("%w: clickhouse url is empty", models.ErrValidation)
	}

	secure := false
	hosts := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, false, fmt.Errorf("%w: invalid clickhouse url: %v", models.ErrValidation, err)
		}
		switch u.Scheme {
		case "https":
			secure = true
		case "clickhouse", "tcp", "http":
		default:
			return nil, false, fmt.Errorf("%w: unsupported clickhouse scheme %q", models.ErrValidation, u.Scheme)
		}
		if u.Query().Get("secure") == "true" {
			secure = true
		}
		hosts = u.Host
	}

	port := clickhouseNativePort
	if secure {
		port = clickhouseSecurePort
	}

	var addrs []string
	for _, h := range strings.Split(hosts, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(h); err != nil {
			h = net.JoinHostPort(h, port)
		}
		addrs = append(addrs, h)
	}
	if len(addrs) == 0 {
		return nil, false, fmt.Errorf("%w: clickhouse url has no hosts", models.ErrValidation)
	}
	return addrs, secure, nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	if err := c.conn.Exec(ctx, query, args...); err != nil {
		return models.Unavailable("clickhouse exec", err)
	}
	return nil
}

// BatchInsert appends rows to a prepared batch and sends it in one round trip.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return models.Unavailable("clickhouse prepare batch", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return models.Unavailable("clickhouse send batch", err)
	}
	return nil
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return models.Unavailable("clickhouse ping", err)
	}
	return nil
}

func (c *ClickHouseClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ClickHouse connection: %w", err)
	}
	util.Info("ClickHouse connection closed", util.String("database", c.database))
	return nil
}
