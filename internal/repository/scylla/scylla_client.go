package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"onboard-service/internal/config"
	"onboard-service/internal/util"
)

// PreparedStatements holds the statements the onboarding repository runs
type PreparedStatements struct {
	InsertRecord      string
	InsertEmailLookup string
	GetRecordsByUser  string
	GetUserByEmail    string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS onboarding_records (
        user_bucket int, user_id text, completed_at timestamp, flow_id text,
        mode text, channel text, email_fingerprint text, email_encrypted blob,
        email_key_id text, address text, key_id text, profile_created boolean,
        retry_count int,
        PRIMARY KEY ((user_bucket, user_id), completed_at)
    ) WITH CLUSTERING ORDER BY (completed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS onboarding_by_email (
        email_fingerprint text PRIMARY KEY, user_bucket int, user_id text, updated_at timestamp
    )`,
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.IsProduction() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if !cfg.IsProduction() {
		if err := client.EnsureSchema(context.Background()); err != nil {
			session.Close()
			return nil, err
		}
	}
	client.prepareStatements()

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// EnsureSchema creates the onboarding tables when missing
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply scylla schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) prepareStatements() {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return
	}

	s.Prepared = &PreparedStatements{
		InsertRecord: `
        INSERT INTO onboarding_records (
            user_bucket, user_id, completed_at, flow_id, mode, channel,
            email_fingerprint, email_encrypted, email_key_id, address, key_id,
            profile_created, retry_count
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		InsertEmailLookup: `
        INSERT INTO onboarding_by_email (email_fingerprint, user_bucket, user_id, updated_at)
        VALUES (?, ?, ?, ?)`,
		GetRecordsByUser: `
        SELECT user_bucket, user_id, completed_at, flow_id, mode, channel,
            email_fingerprint, email_encrypted, email_key_id, address, key_id,
            profile_created, retry_count
        FROM onboarding_records WHERE user_bucket = ? AND user_id = ? LIMIT ?`,
		GetUserByEmail: `
        SELECT user_bucket, user_id FROM onboarding_by_email WHERE email_fingerprint = ?`,
	}
	s.isPrepared = true
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(ctx context.Context, batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch.WithContext(ctx))
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}
