// Package store persists alert conditions, the watchlist and analysis
// run history in a local sqlite database.
package store

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/quantrix-lab/stockdeck/internal/alert"
	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// Store is the sqlite-backed persistence layer. Safe for concurrent use;
// the database is opened in WAL mode.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// New opens (or creates) the database at path and runs migrations.
func New(path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeStorage, err, "open sqlite %s", path)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrCodeStorage, "set WAL mode", err)
	}

	s := &Store{db: db, log: log}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug("store opened", zap.String("path", path))

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alert_conditions (
			id         TEXT PRIMARY KEY,
			ticker     TEXT NOT NULL,
			kind       TEXT NOT NULL,
			threshold  TEXT NOT NULL,
			armed      INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			fired_at   INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conditions_ticker ON alert_conditions(ticker)`,

		`CREATE TABLE IF NOT EXISTS watchlist (
			ticker   TEXT PRIMARY KEY,
			added_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS analysis_runs (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker       TEXT NOT NULL,
			start_date   TEXT NOT NULL,
			end_date     TEXT NOT NULL,
			model        TEXT NOT NULL,
			horizon_days INTEGER NOT NULL,
			status       TEXT NOT NULL,
			error        TEXT,
			created_at   INTEGER NOT NULL,
			rmse         REAL,
			confidence   REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON analysis_runs(created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(errors.ErrCodeStorage, "migrate schema", err)
		}
	}

	return nil
}

// SaveCondition inserts or replaces an alert condition.
func (s *Store) SaveCondition(ctx context.Context, cond *alert.Condition) error {
	var firedAt sql.NullInt64
	if t, err := cond.FiredAt.Take(); err == nil {
		firedAt = sql.NullInt64{Int64: t.Unix(), Valid: true}
	}

	_, err := sq.Replace("alert_conditions").
		Columns("id", "ticker", "kind", "threshold", "armed", "created_at", "fired_at").
		Values(cond.ID.String(), cond.Ticker, string(cond.Kind), cond.Threshold.String(),
			cond.Armed, cond.CreatedAt.Unix(), firedAt).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeStorage, err, "save condition %s", cond.ID)
	}

	return nil
}

// ListConditions returns every stored condition, newest first.
func (s *Store) ListConditions(ctx context.Context) ([]*alert.Condition, error) {
	return s.queryConditions(ctx, sq.Eq{})
}

// ConditionsForTicker returns all conditions for one ticker.
func (s *Store) ConditionsForTicker(ctx context.Context, ticker string) ([]*alert.Condition, error) {
	return s.queryConditions(ctx, sq.Eq{"ticker": ticker})
}

func (s *Store) queryConditions(ctx context.Context, where any) ([]*alert.Condition, error) {
	rows, err := sq.Select("id", "ticker", "kind", "threshold", "armed", "created_at", "fired_at").
		From("alert_conditions").
		Where(where).
		OrderBy("created_at DESC", "id").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorage, "query conditions", err)
	}
	defer rows.Close()

	var conditions []*alert.Condition

	for rows.Next() {
		var (
			id, ticker, kind, threshold string
			armed                       bool
			createdAt                   int64
			firedAt                     sql.NullInt64
		)

		if err := rows.Scan(&id, &ticker, &kind, &threshold, &armed, &createdAt, &firedAt); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStorage, "scan condition", err)
		}

		condID, err := uuid.Parse(id)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeStorage, err, "parse condition id %s", id)
		}

		thresholdDec, err := decimal.NewFromString(threshold)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeStorage, err, "parse condition threshold %s", threshold)
		}

		cond := &alert.Condition{
			ID:        condID,
			Ticker:    ticker,
			Kind:      alert.Kind(kind),
			Threshold: thresholdDec,
			Armed:     armed,
			CreatedAt: time.Unix(createdAt, 0).UTC(),
		}

		if firedAt.Valid {
			cond.FiredAt = optional.Some(time.Unix(firedAt.Int64, 0).UTC())
		}

		conditions = append(conditions, cond)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorage, "iterate conditions", err)
	}

	return conditions, nil
}

// SetArmed updates a condition's armed flag and fired time.
func (s *Store) SetArmed(ctx context.Context, id uuid.UUID, armed bool, firedAt optional.Option[time.Time]) error {
	var fired sql.NullInt64
	if t, err := firedAt.Take(); err == nil {
		fired = sql.NullInt64{Int64: t.Unix(), Valid: true}
	}

	res, err := sq.Update("alert_conditions").
		Set("armed", armed).
		Set("fired_at", fired).
		Where(sq.Eq{"id": id.String()}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeStorage, err, "update condition %s", id)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorage, "rows affected", err)
	}

	if affected == 0 {
		return errors.Newf(errors.ErrCodeStorage, "condition %s not found", id)
	}

	return nil
}

// DeleteCondition removes a condition.
func (s *Store) DeleteCondition(ctx context.Context, id uuid.UUID) error {
	res, err := sq.Delete("alert_conditions").
		Where(sq.Eq{"id": id.String()}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeStorage, err, "delete condition %s", id)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorage, "rows affected", err)
	}

	if affected == 0 {
		return errors.Newf(errors.ErrCodeStorage, "condition %s not found", id)
	}

	return nil
}

// AddToWatchlist adds a ticker; adding an existing ticker is a no-op.
func (s *Store) AddToWatchlist(ctx context.Context, ticker string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO watchlist (ticker, added_at) VALUES (?, ?)",
		ticker, time.Now().Unix())
	if err != nil {
		return errors.Wrapf(errors.ErrCodeStorage, err, "add %s to watchlist", ticker)
	}

	return nil
}

// RemoveFromWatchlist removes a ticker.
func (s *Store) RemoveFromWatchlist(ctx context.Context, ticker string) error {
	_, err := sq.Delete("watchlist").
		Where(sq.Eq{"ticker": ticker}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeStorage, err, "remove %s from watchlist", ticker)
	}

	return nil
}

// Watchlist returns all watched tickers in insertion order.
func (s *Store) Watchlist(ctx context.Context) ([]string, error) {
	rows, err := sq.Select("ticker").
		From("watchlist").
		OrderBy("added_at", "ticker").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorage, "query watchlist", err)
	}
	defer rows.Close()

	var tickers []string

	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStorage, "scan watchlist", err)
		}

		tickers = append(tickers, ticker)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorage, "iterate watchlist", err)
	}

	return tickers, nil
}

// RunRecord is one row of the analysis run history.
type RunRecord struct {
	ID          int64
	Ticker      string
	Start       time.Time
	End         time.Time
	Model       types.ModelKind
	HorizonDays int
	Status      types.RunStatus
	Err         string
	CreatedAt   time.Time
	RMSE        optional.Option[float64]
	Confidence  optional.Option[float64]
}

const runDateLayout = "2006-01-02"

// RecordRun appends one analysis outcome to the history. RMSE and
// confidence come from the forecast when present.
func (s *Store) RecordRun(ctx context.Context, result types.AnalysisResult) error {
	var rmse, confidence sql.NullFloat64

	if result.Forecast != nil {
		if v, ok := result.Forecast.Metrics["rmse"]; ok {
			rmse = sql.NullFloat64{Float64: v, Valid: true}
		}

		confidence = sql.NullFloat64{Float64: result.Forecast.Confidence, Valid: true}
	}

	_, err := sq.Insert("analysis_runs").
		Columns("ticker", "start_date", "end_date", "model", "horizon_days",
			"status", "error", "created_at", "rmse", "confidence").
		Values(result.Request.Ticker,
			result.Request.Start.Format(runDateLayout),
			result.Request.End.Format(runDateLayout),
			string(result.Request.Model),
			result.Request.HorizonDays,
			string(result.Status),
			result.Err,
			time.Now().Unix(),
			rmse,
			confidence).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeStorage, err, "record run for %s", result.Request.Ticker)
	}

	return nil
}

// RecentRuns returns the newest limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := sq.Select("id", "ticker", "start_date", "end_date", "model",
		"horizon_days", "status", "error", "created_at", "rmse", "confidence").
		From("analysis_runs").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorage, "query runs", err)
	}
	defer rows.Close()

	var records []RunRecord

	for rows.Next() {
		var (
			rec              RunRecord
			start, end       string
			model, status    string
			errMsg           sql.NullString
			createdAt        int64
			rmse, confidence sql.NullFloat64
		)

		if err := rows.Scan(&rec.ID, &rec.Ticker, &start, &end, &model,
			&rec.HorizonDays, &status, &errMsg, &createdAt, &rmse, &confidence); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStorage, "scan run", err)
		}

		rec.Start, err = time.Parse(runDateLayout, start)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeStorage, err, "parse run start date %s", start)
		}

		rec.End, err = time.Parse(runDateLayout, end)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeStorage, err, "parse run end date %s", end)
		}

		rec.Model = types.ModelKind(model)
		rec.Status = types.RunStatus(status)
		rec.Err = errMsg.String
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()

		if rmse.Valid {
			rec.RMSE = optional.Some(rmse.Float64)
		}

		if confidence.Valid {
			rec.Confidence = optional.Some(confidence.Float64)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorage, "iterate runs", err)
	}

	return records, nil
}
