// Package sqlstore implements the job store on database/sql. The DuckDB and
// PostgreSQL adapters only differ in how they open the connection.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
	"github.com/manthysbr/npsat-dispatch/internal/core/ports"
)

type Store struct {
	db  *sql.DB
	now func() time.Time

	seqMu   sync.Mutex
	lastSeq int64
}

var _ ports.JobStore = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// nextSeq orders events written within the same clock tick
func (s *Store) nextSeq(at time.Time) int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := at.UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

// transition runs update inside a transaction together with its audit row.
// update must be an UPDATE ... WHERE id = $1 AND status = $2; extra args
// start at $3. Zero affected rows is ErrStaleTransition, or ErrJobNotFound
// if the job does not exist.
func (s *Store) transition(ctx context.Context, id domain.JobID, from, to domain.JobStatus, reason, update string, extra ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	args := append([]any{int64(id), string(from)}, extra...)
	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return fmt.Errorf("update model run %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM model_runs WHERE id = $1`, int64(id)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		return domain.ErrStaleTransition
	}

	if err := s.insertEvent(ctx, tx, id, &from, to, reason); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, id domain.JobID, from *domain.JobStatus, to domain.JobStatus, reason string) error {
	var fromStr *string
	if from != nil {
		f := string(*from)
		fromStr = &f
	}
	at := s.now()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (id, model_run_id, seq, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), int64(id), s.nextSeq(at), fromStr, string(to), reason, at,
	)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

func (s *Store) RecoverRunning(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM model_runs WHERE status = $1`, string(domain.JobStatusRunning))
	if err != nil {
		return 0, err
	}
	var ids []domain.JobID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, domain.JobID(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	from := domain.JobStatusRunning
	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `UPDATE model_runs SET status = $1 WHERE id = $2 AND status = $3`,
			string(domain.JobStatusReady), int64(id), string(domain.JobStatusRunning))
		if err != nil {
			return 0, err
		}
		if err := s.insertEvent(ctx, tx, id, &from, domain.JobStatusReady, "dispatcher restarted"); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Store) MarkRunning(ctx context.Context, id domain.JobID) (bool, error) {
	err := s.transition(ctx, id, domain.JobStatusReady, domain.JobStatusRunning, "claimed by dispatcher",
		`UPDATE model_runs SET status = $3, status_message = '' WHERE id = $1 AND status = $2`,
		string(domain.JobStatusRunning))
	if errors.Is(err, domain.ErrStaleTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) MarkReady(ctx context.Context, id domain.JobID, reason string) error {
	return s.transition(ctx, id, domain.JobStatusRunning, domain.JobStatusReady, reason,
		`UPDATE model_runs SET status = $3 WHERE id = $1 AND status = $2`,
		string(domain.JobStatusReady))
}

func (s *Store) MarkCompleted(ctx context.Context, id domain.JobID, wellCount int) error {
	return s.transition(ctx, id, domain.JobStatusRunning, domain.JobStatusCompleted, "",
		`UPDATE model_runs SET status = $3, n_wells = $4, date_completed = $5, status_message = '' WHERE id = $1 AND status = $2`,
		string(domain.JobStatusCompleted), wellCount, s.now())
}

func (s *Store) MarkError(ctx context.Context, id domain.JobID, message string) error {
	return s.transition(ctx, id, domain.JobStatusRunning, domain.JobStatusError, message,
		`UPDATE model_runs SET status = $3, status_message = $4, date_completed = $5 WHERE id = $1 AND status = $2`,
		string(domain.JobStatusError), message, s.now())
}

func (s *Store) ResetJob(ctx context.Context, id domain.JobID) error {
	return s.transition(ctx, id, domain.JobStatusError, domain.JobStatusReady, "manual reset",
		`UPDATE model_runs SET status = $3, status_message = '', date_completed = NULL WHERE id = $1 AND status = $2`,
		string(domain.JobStatusReady))
}

func (s *Store) WritePercentiles(ctx context.Context, id domain.JobID, summaries []domain.PercentileSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM result_percentiles WHERE model_run_id = $1`, int64(id)); err != nil {
		return err
	}
	for _, sum := range summaries {
		series, err := encodeSeries(sum.Values)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO result_percentiles (model_run_id, percentile, series) VALUES ($1, $2, $3)`,
			int64(id), sum.Percentile, series)
		if err != nil {
			return fmt.Errorf("insert percentile %v: %w", sum.Percentile, err)
		}
	}
	return tx.Commit()
}

// GetPercentiles returns the stored summaries of a job, lowest percentile first
func (s *Store) GetPercentiles(ctx context.Context, id domain.JobID) ([]domain.PercentileSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT percentile, series FROM result_percentiles WHERE model_run_id = $1 ORDER BY percentile`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PercentileSummary
	for rows.Next() {
		var p float64
		var series string
		if err := rows.Scan(&p, &series); err != nil {
			return nil, err
		}
		values, err := decodeSeries(series)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.PercentileSummary{JobID: id, Percentile: p, Values: values})
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, id domain.JobID) ([]domain.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_status, to_status, reason, created_at
		FROM job_events WHERE model_run_id = $1 ORDER BY seq`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.JobEvent
	for rows.Next() {
		e := domain.JobEvent{JobID: id}
		var from sql.NullString
		var to string
		if err := rows.Scan(&e.ID, &from, &to, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		if from.Valid {
			f := domain.JobStatus(from.String)
			e.FromStatus = &f
		}
		e.ToStatus = domain.JobStatus(to)
		events = append(events, e)
	}
	return events, rows.Err()
}

// encodeSeries stores NaN as null since JSON has no NaN
func encodeSeries(values []float64) (string, error) {
	out := make([]*float64, len(values))
	for i := range values {
		if !math.IsNaN(values[i]) && !math.IsInf(values[i], 0) {
			out[i] = &values[i]
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeSeries(s string) ([]float64, error) {
	var raw []*float64
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decode percentile series: %w", err)
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	return out, nil
}
