package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

const (
	redisKeyProcessed   = "replicator:processed"
	redisKeyRateWindows = "replicator:rate_windows"

	// Keep snapshot hashes around long enough to survive a restart but not
	// forever if the process never comes back.
	redisSnapshotTTL = 24 * time.Hour
)

// PostgresStore wraps PostgreSQL persistence with a Redis side-ledger for
// the hot, TTL-bounded state (dedup keys, rate windows).
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// PostgresConfig carries connection settings for the store.
type PostgresConfig struct {
	DSN           string
	RedisAddr     string
	RedisPassword string
}

// NewPostgres creates the store, verifies both backends, and ensures the
// schema exists.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = "30000"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         0,
		MaxRetries: 3,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	s := &PostgresStore{pool: pool, redis: rdb}
	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tracked_sources (
			address    TEXT PRIMARY KEY,
			label      TEXT NOT NULL DEFAULT '',
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			settings   JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS executed_positions (
			id             BIGSERIAL PRIMARY KEY,
			source_address TEXT NOT NULL,
			market_id      TEXT NOT NULL,
			outcome_side   TEXT NOT NULL,
			action         TEXT NOT NULL,
			executed_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executed_positions_lookup
			ON executed_positions (source_address, market_id, outcome_side, executed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS execution_results (
			id             BIGSERIAL PRIMARY KEY,
			source_address TEXT NOT NULL,
			market_id      TEXT NOT NULL,
			outcome_side   TEXT NOT NULL,
			side           TEXT NOT NULL,
			size           DOUBLE PRECISION NOT NULL,
			price          DOUBLE PRECISION NOT NULL,
			success        BOOLEAN NOT NULL,
			order_id       TEXT NOT NULL DEFAULT '',
			tx_hash        TEXT NOT NULL DEFAULT '',
			error          TEXT NOT NULL DEFAULT '',
			executed_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_results_source
			ON execution_results (source_address, executed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS mirror_runs (
			id             BIGSERIAL PRIMARY KEY,
			source_address TEXT NOT NULL,
			started_at     TIMESTAMPTZ NOT NULL,
			finished_at    TIMESTAMPTZ NOT NULL,
			run            JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// SaveTrackedSource upserts a source and its settings.
func (s *PostgresStore) SaveTrackedSource(ctx context.Context, source models.TrackedSource) error {
	settings, err := json.Marshal(source.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tracked_sources (address, label, active, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (address) DO UPDATE SET
			label = EXCLUDED.label,
			active = EXCLUDED.active,
			settings = EXCLUDED.settings,
			updated_at = now()
	`, source.Address, source.Label, source.Active, settings)
	return err
}

func (s *PostgresStore) GetTrackedSource(ctx context.Context, address string) (*models.TrackedSource, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT address, label, active, settings, created_at, updated_at
		FROM tracked_sources WHERE address = $1
	`, address)
	src, err := scanTrackedSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (s *PostgresStore) ListTrackedSources(ctx context.Context, activeOnly bool) ([]models.TrackedSource, error) {
	query := `
		SELECT address, label, active, settings, created_at, updated_at
		FROM tracked_sources`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []models.TrackedSource
	for rows.Next() {
		src, err := scanTrackedSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

func scanTrackedSource(row pgx.Row) (*models.TrackedSource, error) {
	var src models.TrackedSource
	var settings []byte
	if err := row.Scan(&src.Address, &src.Label, &src.Active, &settings, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &src.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &src, nil
}

func (s *PostgresStore) SetSourceActive(ctx context.Context, address string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tracked_sources SET active = $2, updated_at = now() WHERE address = $1
	`, address, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tracked source %s not found", address)
	}
	return nil
}

func (s *PostgresStore) AppendExecutedPosition(ctx context.Context, rec models.ExecutedPositionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executed_positions (source_address, market_id, outcome_side, action, executed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.SourceAddress, rec.MarketID, rec.OutcomeSide, string(rec.Action), rec.Timestamp)
	return err
}

func (s *PostgresStore) ListExecutedPositions(ctx context.Context, sourceAddress string, since time.Time) ([]models.ExecutedPositionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_address, market_id, outcome_side, action, executed_at
		FROM executed_positions
		WHERE source_address = $1 AND executed_at >= $2
		ORDER BY executed_at DESC
	`, sourceAddress, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.ExecutedPositionRecord
	for rows.Next() {
		var rec models.ExecutedPositionRecord
		var action string
		if err := rows.Scan(&rec.SourceAddress, &rec.MarketID, &rec.OutcomeSide, &action, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Action = models.Action(action)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) PruneExecutedPositions(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM executed_positions WHERE executed_at < $1`, before)
	return err
}

func (s *PostgresStore) ClearExecutedPositions(ctx context.Context, sourceAddress string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM executed_positions WHERE source_address = $1`, sourceAddress)
	return err
}

func (s *PostgresStore) SaveExecutionResult(ctx context.Context, res models.ExecutionResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_results
			(source_address, market_id, outcome_side, side, size, price, success, order_id, tx_hash, error, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, res.SourceAddress, res.MarketID, res.OutcomeSide, string(res.Side), res.Size, res.Price,
		res.Success, res.OrderID, res.TxHash, res.Error, res.ExecutedAt)
	return err
}

func (s *PostgresStore) ListExecutionResults(ctx context.Context, sourceAddress string, limit int) ([]models.ExecutionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT source_address, market_id, outcome_side, side, size, price, success, order_id, tx_hash, error, executed_at
		FROM execution_results
		WHERE source_address = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, sourceAddress, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.ExecutionResult
	for rows.Next() {
		var res models.ExecutionResult
		var side string
		if err := rows.Scan(&res.SourceAddress, &res.MarketID, &res.OutcomeSide, &side, &res.Size, &res.Price,
			&res.Success, &res.OrderID, &res.TxHash, &res.Error, &res.ExecutedAt); err != nil {
			return nil, err
		}
		res.Side = models.Action(side)
		results = append(results, res)
	}
	return results, rows.Err()
}

func (s *PostgresStore) SaveMirrorRun(ctx context.Context, run models.MirrorRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal mirror run: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mirror_runs (source_address, started_at, finished_at, run)
		VALUES ($1, $2, $3, $4)
	`, run.SourceAddress, run.StartedAt, run.FinishedAt, payload)
	return err
}

func (s *PostgresStore) ListMirrorRuns(ctx context.Context, sourceAddress string, limit int) ([]models.MirrorRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run FROM mirror_runs
		WHERE source_address = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, sourceAddress, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.MirrorRun
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var run models.MirrorRun
		if err := json.Unmarshal(payload, &run); err != nil {
			return nil, fmt.Errorf("unmarshal mirror run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveProcessedKeys snapshots the dedup ledger into a Redis hash. The hash
// is replaced wholesale so aged-out keys do not linger.
func (s *PostgresStore) SaveProcessedKeys(ctx context.Context, keys map[string]time.Time) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, redisKeyProcessed)
	if len(keys) > 0 {
		fields := make(map[string]any, len(keys))
		for k, t := range keys {
			fields[k] = strconv.FormatInt(t.Unix(), 10)
		}
		pipe.HSet(ctx, redisKeyProcessed, fields)
		pipe.Expire(ctx, redisKeyProcessed, redisSnapshotTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *PostgresStore) LoadProcessedKeys(ctx context.Context) (map[string]time.Time, error) {
	fields, err := s.redis.HGetAll(ctx, redisKeyProcessed).Result()
	if err != nil {
		return nil, err
	}
	keys := make(map[string]time.Time, len(fields))
	for k, v := range fields {
		unix, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		keys[k] = time.Unix(unix, 0).UTC()
	}
	return keys, nil
}

func (s *PostgresStore) SaveRateWindows(ctx context.Context, windows map[string]models.RateLimitWindow) error {
	payload, err := json.Marshal(windows)
	if err != nil {
		return fmt.Errorf("marshal rate windows: %w", err)
	}
	return s.redis.Set(ctx, redisKeyRateWindows, payload, redisSnapshotTTL).Err()
}

func (s *PostgresStore) LoadRateWindows(ctx context.Context) (map[string]models.RateLimitWindow, error) {
	payload, err := s.redis.Get(ctx, redisKeyRateWindows).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]models.RateLimitWindow{}, nil
	}
	if err != nil {
		return nil, err
	}
	windows := map[string]models.RateLimitWindow{}
	if err := json.Unmarshal(payload, &windows); err != nil {
		return nil, fmt.Errorf("unmarshal rate windows: %w", err)
	}
	return windows, nil
}
