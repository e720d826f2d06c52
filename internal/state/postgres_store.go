package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wsmolak/airflow/db/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PostgresStore) UpsertDAG(ctx context.Context, rec DAGRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO dags (dag_id, fileloc, is_active, is_paused, updated_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (dag_id) DO UPDATE SET
		 fileloc=EXCLUDED.fileloc,
		 is_active=EXCLUDED.is_active,
		 is_paused=EXCLUDED.is_paused,
		 updated_at=EXCLUDED.updated_at`,
		rec.DAGID, rec.FileLoc, rec.IsActive, rec.IsPaused, rec.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetDAG(ctx context.Context, dagID string) (DAGRecord, bool, error) {
	var d DAGRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT dag_id, fileloc, is_active, is_paused, updated_at FROM dags WHERE dag_id=$1`, dagID,
	).Scan(&d.DAGID, &d.FileLoc, &d.IsActive, &d.IsPaused, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DAGRecord{}, false, nil
	}
	if err != nil {
		return DAGRecord{}, false, err
	}
	return d, true, nil
}

func (p *PostgresStore) ListDAGs(ctx context.Context) ([]DAGRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT dag_id, fileloc, is_active, is_paused, updated_at FROM dags ORDER BY dag_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]DAGRecord, 0, 32)
	for rows.Next() {
		var d DAGRecord
		if err := rows.Scan(&d.DAGID, &d.FileLoc, &d.IsActive, &d.IsPaused, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetDAGPaused(ctx context.Context, dagID string, paused bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE dags SET is_paused=$2, updated_at=$3 WHERE dag_id=$1`,
		dagID, paused, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CreateRun(ctx context.Context, rec RunRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	conf, err := json.Marshal(rec.Conf)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO dag_runs (dag_id, run_id, run_type, execution_date, data_interval_start, data_interval_end, state, external_trigger, creating_job_id, conf_json, created_at, start_date, end_date, last_scheduling_decision, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		rec.DAGID, rec.RunID, rec.RunType, rec.ExecutionDate, rec.DataIntervalStart, rec.DataIntervalEnd, rec.State, rec.ExternalTrigger, rec.CreatingJobID, string(conf), rec.CreatedAt, nullTime(rec.StartDate), nullTime(rec.EndDate), nullTime(rec.LastSchedulingDecision), rec.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateRun
	}
	return err
}

const runColumns = `dag_id, run_id, run_type, execution_date, data_interval_start, data_interval_end, state, external_trigger, creating_job_id, conf_json, created_at, start_date, end_date, last_scheduling_decision, updated_at`

func (p *PostgresStore) GetRun(ctx context.Context, dagID, runID string) (RunRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM dag_runs WHERE dag_id=$1 AND run_id=$2`, dagID, runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) UpdateRun(ctx context.Context, rec RunRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE dag_runs SET state=$3, start_date=$4, end_date=$5, last_scheduling_decision=$6, updated_at=$7
		 WHERE dag_id=$1 AND run_id=$2`,
		rec.DAGID, rec.RunID, rec.State, nullTime(rec.StartDate), nullTime(rec.EndDate), nullTime(rec.LastSchedulingDecision), rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) FindRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	where := []string{"1=1"}
	args := make([]any, 0, 8)
	argi := 1
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argi))
		args = append(args, v)
		argi++
	}
	addList := func(column string, values []any) {
		holders := make([]string, 0, len(values))
		for _, v := range values {
			holders = append(holders, fmt.Sprintf("$%d", argi))
			args = append(args, v)
			argi++
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", column, strings.Join(holders, ",")))
	}
	if filter.DAGID != "" {
		add("dag_id=$%d", filter.DAGID)
	}
	if len(filter.RunIDs) > 0 {
		vals := make([]any, 0, len(filter.RunIDs))
		for _, id := range filter.RunIDs {
			vals = append(vals, id)
		}
		addList("run_id", vals)
	}
	if len(filter.ExecutionDates) > 0 {
		vals := make([]any, 0, len(filter.ExecutionDates))
		for _, ts := range filter.ExecutionDates {
			vals = append(vals, ts)
		}
		addList("execution_date", vals)
	}
	if filter.State != "" {
		add("state=$%d", filter.State)
	}
	if filter.RunType != "" {
		add("run_type=$%d", filter.RunType)
	}
	if filter.ExternalTrigger != nil {
		add("external_trigger=$%d", *filter.ExternalTrigger)
	}
	if filter.NoBackfills {
		add("run_type <> $%d", RunTypeBackfill)
	}
	sqlQuery := fmt.Sprintf(
		`SELECT `+runColumns+` FROM dag_runs WHERE %s ORDER BY execution_date`,
		strings.Join(where, " AND "),
	)
	if filter.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT $%d", argi)
		args = append(args, filter.Limit)
	}
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RunRecord, 0, 16)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindDuplicateRun(ctx context.Context, dagID, runID string, executionDate time.Time) (RunRecord, bool, error) {
	legs := make([]string, 0, 2)
	args := []any{dagID}
	argi := 2
	if runID != "" {
		legs = append(legs, fmt.Sprintf("run_id=$%d", argi))
		args = append(args, runID)
		argi++
	}
	if !executionDate.IsZero() {
		legs = append(legs, fmt.Sprintf("execution_date=$%d", argi))
		args = append(args, executionDate)
	}
	if len(legs) == 0 {
		return RunRecord{}, false, nil
	}
	row := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT `+runColumns+` FROM dag_runs WHERE dag_id=$1 AND (%s) LIMIT 1`, strings.Join(legs, " OR ")),
		args...,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) NextExaminableRuns(ctx context.Context, runState string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT r.dag_id, r.run_id, r.run_type, r.execution_date, r.data_interval_start, r.data_interval_end, r.state, r.external_trigger, r.creating_job_id, r.conf_json, r.created_at, r.start_date, r.end_date, r.last_scheduling_decision, r.updated_at
		 FROM dag_runs r
		 JOIN dags d ON d.dag_id = r.dag_id
		 WHERE r.state=$1 AND r.run_type <> $2 AND d.is_active AND NOT d.is_paused
		 ORDER BY r.last_scheduling_decision NULLS FIRST, r.execution_date
		 LIMIT $3`,
		runState, RunTypeBackfill, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RunRecord, 0, limit)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LatestRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT ON (dag_id) `+runColumns+`
		 FROM dag_runs
		 ORDER BY dag_id, execution_date DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RunRecord, 0, 16)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PreviousRun(ctx context.Context, dagID string, before time.Time) (RunRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM dag_runs WHERE dag_id=$1 AND execution_date < $2 ORDER BY execution_date DESC LIMIT 1`,
		dagID, before,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

const tiColumns = `dag_id, run_id, task_id, state, operator, queue, pool, priority_weight, try_number, max_tries, start_date, end_date, updated_at`

func (p *PostgresStore) CreateTaskInstanceIfAbsent(ctx context.Context, rec TaskInstanceRecord) (bool, error) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO task_instances (dag_id, run_id, task_id, state, operator, queue, pool, priority_weight, try_number, max_tries, start_date, end_date, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (dag_id, run_id, task_id) DO NOTHING`,
		rec.DAGID, rec.RunID, rec.TaskID, rec.State, rec.Operator, rec.Queue, rec.Pool, rec.PriorityWeight, rec.TryNumber, rec.MaxTries, nullTime(rec.StartDate), nullTime(rec.EndDate), rec.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) GetTaskInstance(ctx context.Context, key TaskInstanceKey) (TaskInstanceRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+tiColumns+` FROM task_instances WHERE dag_id=$1 AND run_id=$2 AND task_id=$3`,
		key.DAGID, key.RunID, key.TaskID,
	)
	t, err := scanTaskInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskInstanceRecord{}, false, nil
	}
	if err != nil {
		return TaskInstanceRecord{}, false, err
	}
	return t, true, nil
}

func (p *PostgresStore) UpdateTaskInstance(ctx context.Context, rec TaskInstanceRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE task_instances SET state=$4, operator=$5, queue=$6, pool=$7, priority_weight=$8, try_number=$9, max_tries=$10, start_date=$11, end_date=$12, updated_at=$13
		 WHERE dag_id=$1 AND run_id=$2 AND task_id=$3`,
		rec.DAGID, rec.RunID, rec.TaskID, rec.State, rec.Operator, rec.Queue, rec.Pool, rec.PriorityWeight, rec.TryNumber, rec.MaxTries, nullTime(rec.StartDate), nullTime(rec.EndDate), rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListTaskInstances(ctx context.Context, dagID, runID string) ([]TaskInstanceRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+tiColumns+` FROM task_instances WHERE dag_id=$1 AND run_id=$2 ORDER BY task_id`,
		dagID, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaskInstanceRecord, 0, 32)
	for rows.Next() {
		t, err := scanTaskInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountTaskStates(ctx context.Context, dagID, taskID string, states []string) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}
	holders := make([]string, 0, len(states))
	args := []any{dagID, taskID}
	for i, st := range states {
		holders = append(holders, fmt.Sprintf("$%d", i+3))
		args = append(args, st)
	}
	var n int
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(1) FROM task_instances WHERE dag_id=$1 AND task_id=$2 AND state IN (%s)`, strings.Join(holders, ",")),
		args...,
	).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRecord, error) {
	var r RunRecord
	var confJSON string
	var startDate, endDate, lastDecision sql.NullTime
	if err := s.Scan(&r.DAGID, &r.RunID, &r.RunType, &r.ExecutionDate, &r.DataIntervalStart, &r.DataIntervalEnd, &r.State, &r.ExternalTrigger, &r.CreatingJobID, &confJSON, &r.CreatedAt, &startDate, &endDate, &lastDecision, &r.UpdatedAt); err != nil {
		return RunRecord{}, err
	}
	if confJSON != "" {
		if err := json.Unmarshal([]byte(confJSON), &r.Conf); err != nil {
			return RunRecord{}, err
		}
	}
	if startDate.Valid {
		r.StartDate = startDate.Time
	}
	if endDate.Valid {
		r.EndDate = endDate.Time
	}
	if lastDecision.Valid {
		r.LastSchedulingDecision = lastDecision.Time
	}
	return r, nil
}

func scanTaskInstance(s scanner) (TaskInstanceRecord, error) {
	var t TaskInstanceRecord
	var startDate, endDate sql.NullTime
	if err := s.Scan(&t.DAGID, &t.RunID, &t.TaskID, &t.State, &t.Operator, &t.Queue, &t.Pool, &t.PriorityWeight, &t.TryNumber, &t.MaxTries, &startDate, &endDate, &t.UpdatedAt); err != nil {
		return TaskInstanceRecord{}, err
	}
	if startDate.Valid {
		t.StartDate = startDate.Time
	}
	if endDate.Valid {
		t.EndDate = endDate.Time
	}
	return t, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
