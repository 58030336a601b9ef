// Package storage is the relational repository behind the dashboard's
// producers. It records observed swap volume and user fee claims, and answers
// the two questions the computations ask of it: a pool's trailing 24h volume
// and a user's stored fee earnings in a pool.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/agatticelli/liquidity-dashboard/internal/domain"
	"github.com/agatticelli/liquidity-dashboard/internal/money"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/config"
	"github.com/agatticelli/liquidity-dashboard/internal/platform/observability"
)

// VolumeWindow is the trailing window Volume24h sums over
const VolumeWindow = 24 * time.Hour

const schemaSQL = `
CREATE TABLE IF NOT EXISTS swap_volume (
	pool        CHAR(42)    NOT NULL,
	tx_hash     CHAR(66)    NOT NULL,
	log_index   INTEGER     NOT NULL,
	block       BIGINT      NOT NULL,
	volume_usd  BIGINT      NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT uq_swap_volume_log UNIQUE (tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS idx_swap_volume_pool_time ON swap_volume (pool, observed_at DESC);

CREATE TABLE IF NOT EXISTS fee_claims (
	user_address CHAR(42)    NOT NULL,
	pool         CHAR(42)    NOT NULL,
	amount_usd   BIGINT      NOT NULL,
	tx_hash      CHAR(66)    NOT NULL,
	claimed_at   TIMESTAMPTZ NOT NULL,
	CONSTRAINT uq_fee_claims_tx UNIQUE (tx_hash, user_address, pool)
);
CREATE INDEX IF NOT EXISTS idx_fee_claims_user_pool ON fee_claims (user_address, pool);
`

const (
	insertSwapSQL = `INSERT INTO swap_volume (pool, tx_hash, log_index, block, volume_usd, observed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tx_hash, log_index) DO NOTHING`

	volumeSinceSQL = `SELECT COALESCE(SUM(volume_usd), 0) FROM swap_volume WHERE pool = $1 AND observed_at >= $2`

	insertFeeClaimSQL = `INSERT INTO fee_claims (user_address, pool, amount_usd, tx_hash, claimed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tx_hash, user_address, pool) DO NOTHING`

	storedFeesSQL = `SELECT COALESCE(SUM(amount_usd), 0) FROM fee_claims WHERE user_address = $1 AND pool = $2`
)

// Repository is the Postgres-backed swap volume and fee ledger.
type Repository struct {
	db     *sql.DB
	clock  clockwork.Clock
	logger *observability.Logger
}

// RepositoryConfig configures a Repository around an open handle
type RepositoryConfig struct {
	DB     *sql.DB
	Clock  clockwork.Clock
	Logger *observability.Logger
}

// NewRepository wraps an already opened database handle
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.DB == nil {
		return nil, errors.New("storage: database handle is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	return &Repository{
		db:     cfg.DB,
		clock:  cfg.Clock,
		logger: cfg.Logger.Component("storage"),
	}, nil
}

// Open connects to Postgres, applies pool settings and verifies the
// connection with a ping.
func Open(ctx context.Context, cfg config.PostgresConfig, logger *observability.Logger) (*Repository, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", domain.ErrUpstreamUnavailable, err)
	}

	return NewRepository(RepositoryConfig{DB: db, Logger: logger})
}

// EnsureSchema creates the tables if they don't exist. Safe to run on every start.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	r.logger.LogDebug(ctx, "ensured repository schema")
	return nil
}

// RecordSwap stores one swap's USD volume. Replaying the same log is a no-op.
func (r *Repository) RecordSwap(ctx context.Context, s domain.SwapVolume) error {
	at := s.ObservedAt
	if at.IsZero() {
		at = r.clock.Now()
	}

	_, err := r.db.ExecContext(ctx, insertSwapSQL,
		address(s.Pool), s.TxHash.Hex(), int64(s.LogIndex), int64(s.Block), s.VolumeUSD.Cents(), at.UTC())
	if err != nil {
		return unavailable("record swap", err)
	}
	return nil
}

// Volume24h sums the pool's swap volume over the trailing VolumeWindow.
func (r *Repository) Volume24h(ctx context.Context, pool common.Address) (money.USD, error) {
	since := r.clock.Now().Add(-VolumeWindow).UTC()

	var cents int64
	if err := r.db.QueryRowContext(ctx, volumeSinceSQL, address(pool), since).Scan(&cents); err != nil {
		return 0, unavailable("volume 24h", err)
	}
	return money.NewUSDFromCents(cents), nil
}

// RecordFeeClaim stores fees a user collected
func (r *Repository) RecordFeeClaim(ctx context.Context, c domain.FeeClaim) error {
	at := c.ClaimedAt
	if at.IsZero() {
		at = r.clock.Now()
	}

	_, err := r.db.ExecContext(ctx, insertFeeClaimSQL,
		address(c.User), address(c.Pool), c.AmountUSD.Cents(), c.TxHash.Hex(), at.UTC())
	if err != nil {
		return unavailable("record fee claim", err)
	}
	return nil
}

// StoredFeeEarnings returns the fees user has collected from pool so far.
// A user with no claims has earned zero.
func (r *Repository) StoredFeeEarnings(ctx context.Context, user, pool common.Address) (money.USD, error) {
	var cents int64
	if err := r.db.QueryRowContext(ctx, storedFeesSQL, address(user), address(pool)).Scan(&cents); err != nil {
		return 0, unavailable("stored fee earnings", err)
	}
	return money.NewUSDFromCents(cents), nil
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the underlying handle
func (r *Repository) Close() error {
	return r.db.Close()
}

// Context errors stay distinguishable from an unreachable database.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamUnavailable, op, err)
}

func address(a common.Address) string {
	return strings.ToLower(a.Hex())
}
