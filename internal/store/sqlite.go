package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/meridianbio/drugintel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS requests (
	id                   TEXT PRIMARY KEY,
	drug_name            TEXT NOT NULL,
	delivery_method      TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'pending',
	total_categories     INTEGER NOT NULL,
	completed_categories INTEGER NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS collection_records (
	id              TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL REFERENCES requests(id),
	category_key    TEXT NOT NULL,
	provider        TEXT NOT NULL,
	temperature     REAL NOT NULL,
	raw_text        TEXT,
	structured_data TEXT,
	success         INTEGER NOT NULL,
	error_kind      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	latency_ms      INTEGER NOT NULL DEFAULT 0,
	usage           TEXT NOT NULL,
	from_cache      INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(request_id, category_key, provider, temperature)
);

CREATE TABLE IF NOT EXISTS validation_results (
	id               TEXT PRIMARY KEY,
	request_id       TEXT NOT NULL REFERENCES requests(id),
	category_key     TEXT NOT NULL,
	provider         TEXT NOT NULL,
	temperature      REAL NOT NULL,
	authority_score  INTEGER NOT NULL,
	total_rows       INTEGER NOT NULL,
	validated_rows   INTEGER NOT NULL,
	validation_score REAL NOT NULL,
	passed           INTEGER NOT NULL,
	pass_rate_pct    REAL NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(request_id, category_key, provider, temperature)
);

CREATE TABLE IF NOT EXISTS merged_results (
	id           TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL REFERENCES requests(id),
	category_key TEXT NOT NULL,
	result       TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(request_id, category_key)
);

CREATE TABLE IF NOT EXISTS stage_executions (
	id           TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL REFERENCES requests(id),
	category_key TEXT NOT NULL,
	stage        TEXT NOT NULL,
	stage_order  INTEGER NOT NULL,
	executed     INTEGER NOT NULL,
	skipped      INTEGER NOT NULL,
	skip_reason  TEXT NOT NULL DEFAULT '',
	input        TEXT,
	output       TEXT,
	metadata     TEXT,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME NOT NULL,
	UNIQUE(request_id, category_key, stage),
	UNIQUE(request_id, category_key, stage_order)
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
CREATE INDEX IF NOT EXISTS idx_collection_records_request ON collection_records(request_id, category_key);
CREATE INDEX IF NOT EXISTS idx_validation_results_request ON validation_results(request_id, category_key);
CREATE INDEX IF NOT EXISTS idx_merged_results_request ON merged_results(request_id);
CREATE INDEX IF NOT EXISTS idx_stage_executions_request ON stage_executions(request_id, category_key, stage_order);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, drugName, deliveryMethod string, totalCategories int) (*model.DrugRequest, error) {
	req := &model.DrugRequest{
		ID:              uuid.New().String(),
		DrugName:        drugName,
		DeliveryMethod:  deliveryMethod,
		Status:          model.RequestStatusPending,
		TotalCategories: totalCategories,
		CreatedAt:       time.Now().UTC(),
	}
	req.UpdatedAt = req.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (id, drug_name, delivery_method, status, total_categories, completed_categories, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		req.ID, req.DrugName, req.DeliveryMethod, string(req.Status), req.TotalCategories, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert request")
	}
	return req, nil
}

// UpdateRequestStatus transitions a request's status. Terminal statuses are
// sticky: an update against an already-terminal request is a no-op, which
// keeps cancellation from clobbering a completed run and vice versa.
func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, requestID string, status model.RequestStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), time.Now().UTC(), requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update request status %s", requestID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.requestExists(ctx, requestID)
	}
	return nil
}

// IncrementCompleted bumps the completed-category counter, capped at the
// total so progress stays monotonic and bounded.
func (s *SQLiteStore) IncrementCompleted(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET completed_categories = completed_categories + 1, updated_at = ?
		 WHERE id = ? AND completed_categories < total_categories`,
		time.Now().UTC(), requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment completed %s", requestID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.requestExists(ctx, requestID)
	}
	return nil
}

func (s *SQLiteStore) requestExists(ctx context.Context, requestID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM requests WHERE id = ?`, requestID).Scan(&one)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "request %s", requestID)
	}
	return eris.Wrapf(err, "sqlite: check request %s", requestID)
}

func (s *SQLiteStore) GetRequest(ctx context.Context, requestID string) (*model.DrugRequest, error) {
	var r model.DrugRequest
	err := s.db.QueryRowContext(ctx,
		`SELECT id, drug_name, delivery_method, status, total_categories, completed_categories, created_at, updated_at
		 FROM requests WHERE id = ?`,
		requestID,
	).Scan(&r.ID, &r.DrugName, &r.DeliveryMethod, &r.Status, &r.TotalCategories, &r.CompletedCategories, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "request %s", requestID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get request %s", requestID)
	}
	return &r, nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.DrugRequest, error) {
	query := `SELECT id, drug_name, delivery_method, status, total_categories, completed_categories, created_at, updated_at
	          FROM requests WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list requests")
	}
	defer rows.Close()

	var requests []model.DrugRequest
	for rows.Next() {
		var r model.DrugRequest
		if err := rows.Scan(&r.ID, &r.DrugName, &r.DeliveryMethod, &r.Status, &r.TotalCategories, &r.CompletedCategories, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan request")
		}
		requests = append(requests, r)
	}
	return requests, eris.Wrap(rows.Err(), "sqlite: list requests iterate")
}

func (s *SQLiteStore) AppendCollectionRecords(ctx context.Context, records []model.CollectionRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, rec := range records {
		dataJSON, err := json.Marshal(rec.StructuredData)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal structured data")
		}
		usageJSON, err := json.Marshal(rec.Usage)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal usage")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO collection_records
			 (id, request_id, category_key, provider, temperature, raw_text, structured_data, success, error_kind, error_message, attempts, latency_ms, usage, from_cache, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), rec.RequestID, rec.CategoryKey, rec.Provider, rec.Temperature,
			rec.RawText, string(dataJSON), rec.Success, string(rec.ErrorKind), rec.ErrorMessage,
			rec.Attempts, rec.LatencyMS, string(usageJSON), rec.FromCache, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert collection record %s", rec.Tuple())
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit collection records")
}

func (s *SQLiteStore) ListCollectionRecords(ctx context.Context, requestID, categoryKey string) ([]model.CollectionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, category_key, provider, temperature, raw_text, structured_data, success, error_kind, error_message, attempts, latency_ms, usage, from_cache
		 FROM collection_records WHERE request_id = ? AND category_key = ?
		 ORDER BY provider, temperature`,
		requestID, categoryKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list collection records")
	}
	defer rows.Close()

	var records []model.CollectionRecord
	for rows.Next() {
		var rec model.CollectionRecord
		var rawText sql.NullString
		var dataJSON, usageJSON string
		if err := rows.Scan(&rec.RequestID, &rec.CategoryKey, &rec.Provider, &rec.Temperature,
			&rawText, &dataJSON, &rec.Success, &rec.ErrorKind, &rec.ErrorMessage,
			&rec.Attempts, &rec.LatencyMS, &usageJSON, &rec.FromCache); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan collection record")
		}
		rec.RawText = rawText.String
		if err := json.Unmarshal([]byte(dataJSON), &rec.StructuredData); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal structured data")
		}
		if err := json.Unmarshal([]byte(usageJSON), &rec.Usage); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal usage")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list collection records iterate")
}

func (s *SQLiteStore) AppendValidations(ctx context.Context, results []model.SourceValidationResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, v := range results {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO validation_results
			 (id, request_id, category_key, provider, temperature, authority_score, total_rows, validated_rows, validation_score, passed, pass_rate_pct, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), v.RequestID, v.CategoryKey, v.Provider, v.Temperature,
			v.AuthorityScore, v.TotalRows, v.ValidatedRows, v.ValidationScore, v.Passed, v.PassRatePct, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert validation %s/%s", v.CategoryKey, v.Provider)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit validations")
}

func (s *SQLiteStore) ListValidations(ctx context.Context, requestID, categoryKey string) ([]model.SourceValidationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, category_key, provider, temperature, authority_score, total_rows, validated_rows, validation_score, passed, pass_rate_pct
		 FROM validation_results WHERE request_id = ? AND category_key = ?
		 ORDER BY provider, temperature`,
		requestID, categoryKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list validations")
	}
	defer rows.Close()

	var results []model.SourceValidationResult
	for rows.Next() {
		var v model.SourceValidationResult
		if err := rows.Scan(&v.RequestID, &v.CategoryKey, &v.Provider, &v.Temperature,
			&v.AuthorityScore, &v.TotalRows, &v.ValidatedRows, &v.ValidationScore, &v.Passed, &v.PassRatePct); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan validation")
		}
		results = append(results, v)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list validations iterate")
}

func (s *SQLiteStore) SaveMergedResult(ctx context.Context, result *model.MergedResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal merged result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO merged_results (id, request_id, category_key, result, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), result.RequestID, result.CategoryKey, string(resultJSON), result.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert merged result %s/%s", result.RequestID, result.CategoryKey)
}

func (s *SQLiteStore) GetMergedResult(ctx context.Context, requestID, categoryKey string) (*model.MergedResult, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM merged_results WHERE request_id = ? AND category_key = ?`,
		requestID, categoryKey,
	).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "merged result %s/%s", requestID, categoryKey)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get merged result")
	}
	var result model.MergedResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal merged result")
	}
	return &result, nil
}

func (s *SQLiteStore) ListMergedResults(ctx context.Context, requestID string) ([]model.MergedResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM merged_results WHERE request_id = ? ORDER BY category_key`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list merged results")
	}
	defer rows.Close()

	var results []model.MergedResult
	for rows.Next() {
		var resultJSON string
		if err := rows.Scan(&resultJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan merged result")
		}
		var result model.MergedResult
		if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal merged result")
		}
		results = append(results, result)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list merged results iterate")
}

func (s *SQLiteStore) AppendStage(ctx context.Context, exec model.StageExecution) (*model.StageExecution, error) {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	metadataJSON, err := json.Marshal(exec.Metadata)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal stage metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_executions
		 (id, request_id, category_key, stage, stage_order, executed, skipped, skip_reason, input, output, metadata, duration_ms, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.RequestID, exec.CategoryKey, string(exec.Stage), exec.StageOrder,
		exec.Executed, exec.Skipped, exec.SkipReason, string(exec.Input), string(exec.Output),
		string(metadataJSON), exec.DurationMS, exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, eris.Wrapf(ErrDuplicateStage, "%s/%s/%s", exec.RequestID, exec.CategoryKey, exec.Stage)
		}
		return nil, eris.Wrapf(err, "sqlite: insert stage %s/%s/%s", exec.RequestID, exec.CategoryKey, exec.Stage)
	}
	return &exec, nil
}

func (s *SQLiteStore) ListStages(ctx context.Context, requestID string) ([]model.StageExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, category_key, stage, stage_order, executed, skipped, skip_reason, input, output, metadata, duration_ms, started_at, completed_at
		 FROM stage_executions WHERE request_id = ?
		 ORDER BY category_key, stage_order`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stages")
	}
	defer rows.Close()

	var stages []model.StageExecution
	for rows.Next() {
		var e model.StageExecution
		var input, output, metadataJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.RequestID, &e.CategoryKey, &e.Stage, &e.StageOrder,
			&e.Executed, &e.Skipped, &e.SkipReason, &input, &output, &metadataJSON,
			&e.DurationMS, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		e.Input = []byte(input.String)
		e.Output = []byte(output.String)
		if metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stage metadata")
			}
		}
		stages = append(stages, e)
	}
	return stages, eris.Wrap(rows.Err(), "sqlite: list stages iterate")
}
