package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
)

const selectJob = `
	SELECT m.id, m.name, m.status, m.status_message,
		m.sim_end_year, m.reduction_start_year, m.reduction_end_year, m.unsat_water_content,
		f.id, f.name, f.scenario_type, f.crop_scheme,
		l.id, l.name, l.scenario_type, l.crop_scheme,
		u.id, u.name, u.scenario_type, u.crop_scheme,
		m.n_wells, m.date_submitted, m.date_completed
	FROM model_runs m
	JOIN scenarios f ON f.id = m.flow_scenario_id
	JOIN scenarios l ON l.id = m.load_scenario_id
	JOIN scenarios u ON u.id = m.unsat_scenario_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var id int64
	var status string
	var wells sql.NullInt64
	var completed sql.NullTime

	scenarios := []*domain.Scenario{&j.FlowScenario, &j.LoadScenario, &j.UnsatScenario}
	var types [3]string
	var schemes [3]sql.NullString

	err := row.Scan(
		&id, &j.Name, &status, &j.StatusMessage,
		&j.SimEndYear, &j.ReductionStartYear, &j.ReductionEndYear, &j.WaterContent,
		&scenarios[0].ID, &scenarios[0].Name, &types[0], &schemes[0],
		&scenarios[1].ID, &scenarios[1].Name, &types[1], &schemes[1],
		&scenarios[2].ID, &scenarios[2].Name, &types[2], &schemes[2],
		&wells, &j.SubmittedAt, &completed,
	)
	if err != nil {
		return domain.Job{}, err
	}

	j.ID = domain.JobID(id)
	j.Status = domain.JobStatus(status)
	for i, sc := range scenarios {
		sc.Type = domain.ScenarioType(types[i])
		sc.CropScheme = schemes[i].String
	}
	if wells.Valid {
		n := int(wells.Int64)
		j.WellCount = &n
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// ListEligible returns READY jobs, oldest first, fully loaded
func (s *Store) ListEligible(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJob+` WHERE m.status = $1 ORDER BY m.date_submitted, m.id`,
		string(domain.JobStatusReady))
	if err != nil {
		return nil, fmt.Errorf("query ready model runs: %w", err)
	}

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Relations are loaded once the cursor is closed; DuckDB runs on one connection.
	for i := range jobs {
		if err := s.loadRelations(ctx, &jobs[i]); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (s *Store) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, selectJob+` WHERE m.id = $1`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.loadRelations(ctx, &j); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (s *Store) loadRelations(ctx context.Context, j *domain.Job) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.mantis_id, r.region_type
		FROM model_run_regions mr JOIN regions r ON r.id = mr.region_id
		WHERE mr.model_run_id = $1 ORDER BY mr.ordinal`, int64(j.ID))
	if err != nil {
		return fmt.Errorf("load regions of model run %d: %w", j.ID, err)
	}
	j.Regions = nil
	for rows.Next() {
		var r domain.Region
		var t string
		if err := rows.Scan(&r.ID, &r.Name, &r.MantisID, &t); err != nil {
			rows.Close()
			return err
		}
		r.Type = domain.RegionType(t)
		j.Regions = append(j.Regions, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT crop_id, proportion FROM modifications WHERE model_run_id = $1 ORDER BY crop_id`, int64(j.ID))
	if err != nil {
		return fmt.Errorf("load modifications of model run %d: %w", j.ID, err)
	}
	defer rows.Close()
	j.Modifications = nil
	for rows.Next() {
		var m domain.Modification
		if err := rows.Scan(&m.CropID, &m.Proportion); err != nil {
			return err
		}
		j.Modifications = append(j.Modifications, m)
	}
	return rows.Err()
}

// SaveScenario inserts or replaces a scenario row
func (s *Store) SaveScenario(ctx context.Context, sc domain.Scenario) error {
	var scheme *string
	if sc.CropScheme != "" {
		scheme = &sc.CropScheme
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenarios (id, name, scenario_type, crop_scheme) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, scenario_type = excluded.scenario_type, crop_scheme = excluded.crop_scheme`,
		sc.ID, sc.Name, string(sc.Type), scheme)
	return err
}

// SaveRegion inserts or replaces a region row
func (s *Store) SaveRegion(ctx context.Context, r domain.Region) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO regions (id, name, mantis_id, region_type) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, mantis_id = excluded.mantis_id, region_type = excluded.region_type`,
		r.ID, r.Name, r.MantisID, string(r.Type))
	return err
}

// CreateJob inserts a model run with its region and modification links. The
// referenced scenarios and regions must already exist. Normally the web
// application does this; the dispatcher uses it for seeding and tests.
func (s *Store) CreateJob(ctx context.Context, j domain.Job) error {
	if j.Status == "" {
		j.Status = domain.JobStatusNotReady
	}
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO model_runs (id, name, status, status_message, sim_end_year, reduction_start_year,
			reduction_end_year, unsat_water_content, flow_scenario_id, load_scenario_id, unsat_scenario_id,
			date_submitted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		int64(j.ID), j.Name, string(j.Status), j.StatusMessage, j.SimEndYear, j.ReductionStartYear,
		j.ReductionEndYear, j.WaterContent, j.FlowScenario.ID, j.LoadScenario.ID, j.UnsatScenario.ID,
		j.SubmittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert model run %d: %w", j.ID, err)
	}

	for i, r := range j.Regions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO model_run_regions (model_run_id, region_id, ordinal) VALUES ($1, $2, $3)`,
			int64(j.ID), r.ID, i)
		if err != nil {
			return err
		}
	}
	for _, m := range j.Modifications {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO modifications (model_run_id, crop_id, proportion) VALUES ($1, $2, $3)`,
			int64(j.ID), m.CropID, m.Proportion)
		if err != nil {
			return err
		}
	}

	if err := s.insertEvent(ctx, tx, j.ID, nil, j.Status, "submitted"); err != nil {
		return err
	}
	return tx.Commit()
}

// SetReady is the web layer's NOT_READY -> READY step
func (s *Store) SetReady(ctx context.Context, id domain.JobID) error {
	return s.transition(ctx, id, domain.JobStatusNotReady, domain.JobStatusReady, "submitted for processing",
		`UPDATE model_runs SET status = $3 WHERE id = $1 AND status = $2`,
		string(domain.JobStatusReady))
}
