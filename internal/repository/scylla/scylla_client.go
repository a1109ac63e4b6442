package scylla

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"authcore/internal/config"
	"authcore/internal/util"
)

// PreparedStatements holds the statements the repositories bind per call.
type PreparedStatements struct {
	// sessions
	InsertSessionByExternalID *gocql.Query
	InsertSessionByUser       *gocql.Query
	GetSessionByExternalID    *gocql.Query
	TouchSessionByExternalID  *gocql.Query
	TouchSessionByUser        *gocql.Query
	DeleteSessionByExternalID *gocql.Query
	DeleteSessionByUser       *gocql.Query
	ListSessionsByUser        *gocql.Query

	// blacklist
	InsertBlacklistByIP   *gocql.Query
	InsertBlacklistByUser *gocql.Query
	SelectBlacklistByIP   *gocql.Query
	SelectBlacklistByUser *gocql.Query
	PurgeBlacklistByIP    *gocql.Query
	PurgeBlacklistByUser  *gocql.Query

	// users
	GetUserByUsername  *gocql.Query
	UpdateUserPassword *gocql.Query
	UpdateUserLogin    *gocql.Query
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
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/root/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/root/certs/server.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/root/certs/server.key"),
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

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	// Sessions are written to two tables so lookups work both by the cookie
	// identifier and by owner (bulk invalidation).
	prepared.InsertSessionByExternalID = s.Session.Query(`
		INSERT INTO sessions_by_external_id (external_id, id, user_id, started_at, last_active)
		VALUES (?, ?, ?, ?, ?)`)

	prepared.InsertSessionByUser = s.Session.Query(`
		INSERT INTO sessions_by_user (user_id, external_id, id, started_at, last_active)
		VALUES (?, ?, ?, ?, ?)`)

	prepared.GetSessionByExternalID = s.Session.Query(`
		SELECT external_id, id, user_id, started_at, last_active
		FROM sessions_by_external_id WHERE external_id = ?`)

	prepared.TouchSessionByExternalID = s.Session.Query(`
		UPDATE sessions_by_external_id SET last_active = ? WHERE external_id = ?`)

	prepared.TouchSessionByUser = s.Session.Query(`
		UPDATE sessions_by_user SET last_active = ? WHERE user_id = ? AND external_id = ?`)

	prepared.DeleteSessionByExternalID = s.Session.Query(`
		DELETE FROM sessions_by_external_id WHERE external_id = ?`)

	prepared.DeleteSessionByUser = s.Session.Query(`
		DELETE FROM sessions_by_user WHERE user_id = ? AND external_id = ?`)

	prepared.ListSessionsByUser = s.Session.Query(`
		SELECT user_id, external_id, id, started_at, last_active
		FROM sessions_by_user WHERE user_id = ?`)

	// Blacklist entries land in two partitions so the blocking decision can
	// union ip-matched and user-matched rows.
	prepared.InsertBlacklistByIP = s.Session.Query(`
		INSERT INTO blacklist_by_ip (ip, ts, entry_id, user_id, severity, reason)
		VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.InsertBlacklistByUser = s.Session.Query(`
		INSERT INTO blacklist_by_user (user_id, ts, entry_id, ip, severity, reason)
		VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.SelectBlacklistByIP = s.Session.Query(`
		SELECT entry_id, severity FROM blacklist_by_ip WHERE ip = ? AND ts > ?`)

	prepared.SelectBlacklistByUser = s.Session.Query(`
		SELECT entry_id, severity FROM blacklist_by_user WHERE user_id = ? AND ts > ?`)

	prepared.PurgeBlacklistByIP = s.Session.Query(`
		DELETE FROM blacklist_by_ip WHERE ip = ? AND ts < ?`)

	prepared.PurgeBlacklistByUser = s.Session.Query(`
		DELETE FROM blacklist_by_user WHERE user_id = ? AND ts < ?`)

	prepared.GetUserByUsername = s.Session.Query(`
		SELECT user_id, username, email, password_hash, permissions, created_at, last_login
		FROM users_by_username WHERE username = ?`)

	prepared.UpdateUserPassword = s.Session.Query(`
		UPDATE users_by_username SET password_hash = ? WHERE username = ?`)

	prepared.UpdateUserLogin = s.Session.Query(`
		UPDATE users_by_username SET last_login = ? WHERE username = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	return nil
}

// ExecuteBatch runs a batch with the cluster retry policy applied.
func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	var release string
	if err := s.Session.Query(`SELECT release_version FROM system.local`).Scan(&release); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
	}
}
