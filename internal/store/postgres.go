package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/meridianbio/drugintel/internal/db"
	"github.com/meridianbio/drugintel/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"insert_request":        `INSERT INTO requests (id, drug_name, delivery_method, status, total_categories, completed_categories, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
	"update_request_status": `UPDATE requests SET status = $1, updated_at = $2 WHERE id = $3 AND status NOT IN ('completed', 'failed', 'cancelled')`,
	"increment_completed":   `UPDATE requests SET completed_categories = completed_categories + 1, updated_at = $1 WHERE id = $2 AND completed_categories < total_categories`,
	"get_request":           `SELECT id, drug_name, delivery_method, status, total_categories, completed_categories, created_at, updated_at FROM requests WHERE id = $1`,
	"insert_merged_result":  `INSERT INTO merged_results (id, request_id, category_key, result, created_at) VALUES ($1, $2, $3, $4, $5)`,
	"get_merged_result":     `SELECT result FROM merged_results WHERE request_id = $1 AND category_key = $2`,
	"insert_stage":          `INSERT INTO stage_executions (id, request_id, category_key, stage, stage_order, executed, skipped, skip_reason, input, output, metadata, duration_ms, started_at, completed_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems needing direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS requests (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	drug_name            TEXT NOT NULL,
	delivery_method      TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'pending',
	total_categories     INTEGER NOT NULL,
	completed_categories INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS collection_records (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request_id      TEXT NOT NULL REFERENCES requests(id),
	category_key    TEXT NOT NULL,
	provider        TEXT NOT NULL,
	temperature     DOUBLE PRECISION NOT NULL,
	raw_text        TEXT,
	structured_data JSONB,
	success         BOOLEAN NOT NULL,
	error_kind      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	latency_ms      BIGINT NOT NULL DEFAULT 0,
	usage           JSONB NOT NULL,
	from_cache      BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(request_id, category_key, provider, temperature)
);

CREATE TABLE IF NOT EXISTS validation_results (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request_id       TEXT NOT NULL REFERENCES requests(id),
	category_key     TEXT NOT NULL,
	provider         TEXT NOT NULL,
	temperature      DOUBLE PRECISION NOT NULL,
	authority_score  INTEGER NOT NULL,
	total_rows       INTEGER NOT NULL,
	validated_rows   INTEGER NOT NULL,
	validation_score DOUBLE PRECISION NOT NULL,
	passed           BOOLEAN NOT NULL,
	pass_rate_pct    DOUBLE PRECISION NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(request_id, category_key, provider, temperature)
);

CREATE TABLE IF NOT EXISTS merged_results (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request_id   TEXT NOT NULL REFERENCES requests(id),
	category_key TEXT NOT NULL,
	result       JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(request_id, category_key)
);

CREATE TABLE IF NOT EXISTS stage_executions (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request_id   TEXT NOT NULL REFERENCES requests(id),
	category_key TEXT NOT NULL,
	stage        TEXT NOT NULL,
	stage_order  INTEGER NOT NULL,
	executed     BOOLEAN NOT NULL,
	skipped      BOOLEAN NOT NULL,
	skip_reason  TEXT NOT NULL DEFAULT '',
	input        JSONB,
	output       JSONB,
	metadata     JSONB,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	UNIQUE(request_id, category_key, stage),
	UNIQUE(request_id, category_key, stage_order)
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
CREATE INDEX IF NOT EXISTS idx_collection_records_request ON collection_records(request_id, category_key);
CREATE INDEX IF NOT EXISTS idx_validation_results_request ON validation_results(request_id, category_key);
CREATE INDEX IF NOT EXISTS idx_merged_results_request ON merged_results(request_id);
CREATE INDEX IF NOT EXISTS idx_stage_executions_request ON stage_executions(request_id, category_key, stage_order);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, drugName, deliveryMethod string, totalCategories int) (*model.DrugRequest, error) {
	req := &model.DrugRequest{
		ID:              uuid.New().String(),
		DrugName:        drugName,
		DeliveryMethod:  deliveryMethod,
		Status:          model.RequestStatusPending,
		TotalCategories: totalCategories,
		CreatedAt:       time.Now().UTC(),
	}
	req.UpdatedAt = req.CreatedAt

	_, err := s.pool.Exec(ctx,
		`INSERT INTO requests (id, drug_name, delivery_method, status, total_categories, completed_categories, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
		req.ID, req.DrugName, req.DeliveryMethod, string(req.Status), req.TotalCategories, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert request")
	}
	return req, nil
}

func (s *PostgresStore) UpdateRequestStatus(ctx context.Context, requestID string, status model.RequestStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE requests SET status = $1, updated_at = $2
		 WHERE id = $3 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), time.Now().UTC(), requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update request status %s", requestID)
	}
	if tag.RowsAffected() == 0 {
		return s.requestExists(ctx, requestID)
	}
	return nil
}

func (s *PostgresStore) IncrementCompleted(ctx context.Context, requestID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE requests SET completed_categories = completed_categories + 1, updated_at = $1
		 WHERE id = $2 AND completed_categories < total_categories`,
		time.Now().UTC(), requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment completed %s", requestID)
	}
	if tag.RowsAffected() == 0 {
		return s.requestExists(ctx, requestID)
	}
	return nil
}

func (s *PostgresStore) requestExists(ctx context.Context, requestID string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM requests WHERE id = $1`, requestID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "request %s", requestID)
	}
	return eris.Wrapf(err, "postgres: check request %s", requestID)
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (*model.DrugRequest, error) {
	var r model.DrugRequest
	err := s.pool.QueryRow(ctx,
		`SELECT id, drug_name, delivery_method, status, total_categories, completed_categories, created_at, updated_at FROM requests WHERE id = $1`,
		requestID,
	).Scan(&r.ID, &r.DrugName, &r.DeliveryMethod, &r.Status, &r.TotalCategories, &r.CompletedCategories, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "request %s", requestID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get request %s", requestID)
	}
	return &r, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.DrugRequest, error) {
	query := `SELECT id, drug_name, delivery_method, status, total_categories, completed_categories, created_at, updated_at FROM requests WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list requests")
	}
	defer rows.Close()

	var requests []model.DrugRequest
	for rows.Next() {
		var r model.DrugRequest
		if err := rows.Scan(&r.ID, &r.DrugName, &r.DeliveryMethod, &r.Status, &r.TotalCategories, &r.CompletedCategories, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan request")
		}
		requests = append(requests, r)
	}
	return requests, eris.Wrap(rows.Err(), "postgres: list requests iterate")
}

// AppendCollectionRecords bulk-inserts one category's settled records via
// the COPY protocol; a category fan-out lands in one round trip.
func (s *PostgresStore) AppendCollectionRecords(ctx context.Context, records []model.CollectionRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		dataJSON, err := json.Marshal(rec.StructuredData)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal structured data")
		}
		usageJSON, err := json.Marshal(rec.Usage)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal usage")
		}
		rows = append(rows, []any{
			uuid.New().String(), rec.RequestID, rec.CategoryKey, rec.Provider, rec.Temperature,
			rec.RawText, dataJSON, rec.Success, string(rec.ErrorKind), rec.ErrorMessage,
			rec.Attempts, rec.LatencyMS, usageJSON, rec.FromCache, now,
		})
	}

	_, err := db.CopyFrom(ctx, s.pool, "collection_records",
		[]string{"id", "request_id", "category_key", "provider", "temperature", "raw_text", "structured_data", "success", "error_kind", "error_message", "attempts", "latency_ms", "usage", "from_cache", "created_at"},
		rows,
	)
	return eris.Wrap(err, "postgres: append collection records")
}

func (s *PostgresStore) ListCollectionRecords(ctx context.Context, requestID, categoryKey string) ([]model.CollectionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT request_id, category_key, provider, temperature, raw_text, structured_data, success, error_kind, error_message, attempts, latency_ms, usage, from_cache
		 FROM collection_records WHERE request_id = $1 AND category_key = $2
		 ORDER BY provider, temperature`,
		requestID, categoryKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list collection records")
	}
	defer rows.Close()

	var records []model.CollectionRecord
	for rows.Next() {
		var rec model.CollectionRecord
		var rawText *string
		var dataJSON, usageJSON []byte
		if err := rows.Scan(&rec.RequestID, &rec.CategoryKey, &rec.Provider, &rec.Temperature,
			&rawText, &dataJSON, &rec.Success, &rec.ErrorKind, &rec.ErrorMessage,
			&rec.Attempts, &rec.LatencyMS, &usageJSON, &rec.FromCache); err != nil {
			return nil, eris.Wrap(err, "postgres: scan collection record")
		}
		if rawText != nil {
			rec.RawText = *rawText
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &rec.StructuredData); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal structured data")
			}
		}
		if err := json.Unmarshal(usageJSON, &rec.Usage); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal usage")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list collection records iterate")
}

func (s *PostgresStore) AppendValidations(ctx context.Context, results []model.SourceValidationResult) error {
	if len(results) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(results))
	for _, v := range results {
		rows = append(rows, []any{
			uuid.New().String(), v.RequestID, v.CategoryKey, v.Provider, v.Temperature,
			v.AuthorityScore, v.TotalRows, v.ValidatedRows, v.ValidationScore, v.Passed, v.PassRatePct, now,
		})
	}

	_, err := db.CopyFrom(ctx, s.pool, "validation_results",
		[]string{"id", "request_id", "category_key", "provider", "temperature", "authority_score", "total_rows", "validated_rows", "validation_score", "passed", "pass_rate_pct", "created_at"},
		rows,
	)
	return eris.Wrap(err, "postgres: append validations")
}

func (s *PostgresStore) ListValidations(ctx context.Context, requestID, categoryKey string) ([]model.SourceValidationResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT request_id, category_key, provider, temperature, authority_score, total_rows, validated_rows, validation_score, passed, pass_rate_pct
		 FROM validation_results WHERE request_id = $1 AND category_key = $2
		 ORDER BY provider, temperature`,
		requestID, categoryKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list validations")
	}
	defer rows.Close()

	var results []model.SourceValidationResult
	for rows.Next() {
		var v model.SourceValidationResult
		if err := rows.Scan(&v.RequestID, &v.CategoryKey, &v.Provider, &v.Temperature,
			&v.AuthorityScore, &v.TotalRows, &v.ValidatedRows, &v.ValidationScore, &v.Passed, &v.PassRatePct); err != nil {
			return nil, eris.Wrap(err, "postgres: scan validation")
		}
		results = append(results, v)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list validations iterate")
}

func (s *PostgresStore) SaveMergedResult(ctx context.Context, result *model.MergedResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal merged result")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO merged_results (id, request_id, category_key, result, created_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), result.RequestID, result.CategoryKey, resultJSON, result.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert merged result %s/%s", result.RequestID, result.CategoryKey)
}

func (s *PostgresStore) GetMergedResult(ctx context.Context, requestID, categoryKey string) (*model.MergedResult, error) {
	var resultJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM merged_results WHERE request_id = $1 AND category_key = $2`,
		requestID, categoryKey,
	).Scan(&resultJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "merged result %s/%s", requestID, categoryKey)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get merged result")
	}
	var result model.MergedResult
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal merged result")
	}
	return &result, nil
}

func (s *PostgresStore) ListMergedResults(ctx context.Context, requestID string) ([]model.MergedResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT result FROM merged_results WHERE request_id = $1 ORDER BY category_key`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list merged results")
	}
	defer rows.Close()

	var results []model.MergedResult
	for rows.Next() {
		var resultJSON []byte
		if err := rows.Scan(&resultJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan merged result")
		}
		var result model.MergedResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal merged result")
		}
		results = append(results, result)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list merged results iterate")
}

func (s *PostgresStore) AppendStage(ctx context.Context, exec model.StageExecution) (*model.StageExecution, error) {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	metadataJSON, err := json.Marshal(exec.Metadata)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal stage metadata")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO stage_executions
		 (id, request_id, category_key, stage, stage_order, executed, skipped, skip_reason, input, output, metadata, duration_ms, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		exec.ID, exec.RequestID, exec.CategoryKey, string(exec.Stage), exec.StageOrder,
		exec.Executed, exec.Skipped, exec.SkipReason, nullableJSON(exec.Input), nullableJSON(exec.Output),
		metadataJSON, exec.DurationMS, exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, eris.Wrapf(ErrDuplicateStage, "%s/%s/%s", exec.RequestID, exec.CategoryKey, exec.Stage)
		}
		return nil, eris.Wrapf(err, "postgres: insert stage %s/%s/%s", exec.RequestID, exec.CategoryKey, exec.Stage)
	}
	return &exec, nil
}

func (s *PostgresStore) ListStages(ctx context.Context, requestID string) ([]model.StageExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, category_key, stage, stage_order, executed, skipped, skip_reason, input, output, metadata, duration_ms, started_at, completed_at
		 FROM stage_executions WHERE request_id = $1
		 ORDER BY category_key, stage_order`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stages")
	}
	defer rows.Close()

	var stages []model.StageExecution
	for rows.Next() {
		var e model.StageExecution
		var metadataJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.CategoryKey, &e.Stage, &e.StageOrder,
			&e.Executed, &e.Skipped, &e.SkipReason, &e.Input, &e.Output, &metadataJSON,
			&e.DurationMS, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stage metadata")
			}
		}
		stages = append(stages, e)
	}
	return stages, eris.Wrap(rows.Err(), "postgres: list stages iterate")
}

// nullableJSON maps empty payloads to NULL so JSONB columns never see the
// empty string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
