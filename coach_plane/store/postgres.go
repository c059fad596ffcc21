package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable Store backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the tables when they are missing. Not a migration
// system; existing tables are left untouched.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
    user_id     BIGINT PRIMARY KEY,
    start_date  TIMESTAMPTZ NOT NULL,
    quit_date   TIMESTAMPTZ NOT NULL,
    pa_group    SMALLINT NOT NULL DEFAULT 1,
    enrolled_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS user_preferences (
    user_id           BIGINT PRIMARY KEY REFERENCES users(user_id),
    preferred_weekday SMALLINT,
    daypart           TEXT NOT NULL DEFAULT 'morning'
);
CREATE TABLE IF NOT EXISTS intervention_components (
    component_id SMALLINT PRIMARY KEY,
    name         TEXT NOT NULL UNIQUE,
    trigger      TEXT NOT NULL,
    kind         TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS user_intervention_state (
    id                BIGSERIAL PRIMARY KEY,
    user_id           BIGINT NOT NULL REFERENCES users(user_id),
    component_id      SMALLINT NOT NULL REFERENCES intervention_components(component_id),
    phase_id          SMALLINT NOT NULL,
    completed         BOOLEAN NOT NULL DEFAULT false,
    last_time         TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_part         SMALLINT NOT NULL DEFAULT 0,
    next_planned_date TIMESTAMPTZ,
    task_handle       TEXT
);
CREATE INDEX IF NOT EXISTS idx_uis_user_component
    ON user_intervention_state (user_id, component_id, id DESC);
CREATE TABLE IF NOT EXISTS user_controller_state (
    user_id        BIGINT PRIMARY KEY REFERENCES users(user_id),
    phase_state    TEXT NOT NULL,
    execution_week INT NOT NULL DEFAULT 0,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS scheduling_outbox (
    id                 BIGSERIAL PRIMARY KEY,
    user_id            BIGINT NOT NULL,
    component_state_id BIGINT NOT NULL,
    trigger            TEXT NOT NULL,
    eta                TIMESTAMPTZ NOT NULL,
    dispatched         BOOLEAN NOT NULL DEFAULT false,
    task_handle        TEXT,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    dispatched_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending
    ON scheduling_outbox (created_at) WHERE NOT dispatched;
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *User, prefs *Preferences) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if user.EnrolledAt.IsZero() {
		user.EnrolledAt = time.Now()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO users (user_id, start_date, quit_date, pa_group, enrolled_at)
		VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.StartDate, user.QuitDate, user.PAGroup, user.EnrolledAt)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	var weekday *int16
	if prefs.Weekday != nil {
		wd := int16(*prefs.Weekday)
		weekday = &wd
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO user_preferences (user_id, preferred_weekday, daypart)
		VALUES ($1, $2, $3)`,
		user.ID, weekday, prefs.Daypart)
	if err != nil {
		return fmt.Errorf("failed to insert preferences: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO user_controller_state (user_id, phase_state, execution_week, updated_at)
		VALUES ($1, $2, 0, now())`,
		user.ID, TagOnboarding)
	if err != nil {
		return fmt.Errorf("failed to insert controller state: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	user := &User{}
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, start_date, quit_date, pa_group, enrolled_at
		FROM users WHERE user_id = $1`, userID).
		Scan(&user.ID, &user.StartDate, &user.QuitDate, &user.PAGroup, &user.EnrolledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UpdateQuitDate(ctx context.Context, userID int64, quitDate time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET quit_date = $2 WHERE user_id = $1`, userID, quitDate)
	if err != nil {
		return fmt.Errorf("failed to update quit date: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d not found", userID)
	}
	return nil
}

func (s *PostgresStore) GetPreferences(ctx context.Context, userID int64) (*Preferences, error) {
	prefs := &Preferences{}
	var weekday *int16
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, preferred_weekday, daypart
		FROM user_preferences WHERE user_id = $1`, userID).
		Scan(&prefs.UserID, &weekday, &prefs.Daypart)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	if weekday != nil {
		wd := time.Weekday(*weekday)
		prefs.Weekday = &wd
	}
	return prefs, nil
}

func (s *PostgresStore) SeedComponents(ctx context.Context, components []*Component) error {
	for _, comp := range components {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO intervention_components (component_id, name, trigger, kind)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (component_id) DO UPDATE SET
				name = EXCLUDED.name,
				trigger = EXCLUDED.trigger,
				kind = EXCLUDED.kind`,
			comp.ID, comp.Name, comp.Trigger, comp.Kind)
		if err != nil {
			return fmt.Errorf("failed to seed component %s: %w", comp.Name, err)
		}
	}
	return nil
}

func (s *PostgresStore) ComponentByName(ctx context.Context, name string) (*Component, error) {
	comp := &Component{}
	err := s.pool.QueryRow(ctx, `
		SELECT component_id, name, trigger, kind
		FROM intervention_components WHERE name = $1`, name).
		Scan(&comp.ID, &comp.Name, &comp.Trigger, &comp.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get component: %w", err)
	}
	return comp, nil
}

func (s *PostgresStore) ComponentByID(ctx context.Context, id int32) (*Component, error) {
	comp := &Component{}
	err := s.pool.QueryRow(ctx, `
		SELECT component_id, name, trigger, kind
		FROM intervention_components WHERE component_id = $1`, id).
		Scan(&comp.ID, &comp.Name, &comp.Trigger, &comp.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get component: %w", err)
	}
	return comp, nil
}

func (s *PostgresStore) ListComponents(ctx context.Context) ([]*Component, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT component_id, name, trigger, kind
		FROM intervention_components ORDER BY component_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list components: %w", err)
	}
	defer rows.Close()

	var out []*Component
	for rows.Next() {
		comp := &Component{}
		if err := rows.Scan(&comp.ID, &comp.Name, &comp.Trigger, &comp.Kind); err != nil {
			return nil, err
		}
		out = append(out, comp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PlanComponent(ctx context.Context, state *ComponentState, entry *OutboxEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if state.LastTime.IsZero() {
		state.LastTime = time.Now()
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO user_intervention_state
			(user_id, component_id, phase_id, completed, last_time, last_part, next_planned_date, task_handle)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
		RETURNING id`,
		state.UserID, state.ComponentID, state.Phase, state.Completed,
		state.LastTime, state.LastPart, state.NextPlanned).
		Scan(&state.ID)
	if err != nil {
		return fmt.Errorf("failed to insert component state: %w", err)
	}

	entry.StateID = state.ID
	err = tx.QueryRow(ctx, `
		INSERT INTO scheduling_outbox (user_id, component_state_id, trigger, eta)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		entry.UserID, entry.StateID, entry.Trigger, entry.ETA).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, outboxID int64, taskHandle string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var stateID int64
	err = tx.QueryRow(ctx, `
		UPDATE scheduling_outbox
		SET dispatched = true, task_handle = $2, dispatched_at = now()
		WHERE id = $1
		RETURNING component_state_id`, outboxID, taskHandle).
		Scan(&stateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("outbox entry %d not found", outboxID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark outbox dispatched: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE user_intervention_state SET task_handle = $2 WHERE id = $1`,
		stateID, taskHandle)
	if err != nil {
		return fmt.Errorf("failed to set task handle: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RecordCompletion(ctx context.Context, userID int64, componentID int32, phase PhaseID, at time.Time) error {
	// Carry forward the progress marker of the delivery being closed.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_intervention_state
			(user_id, component_id, phase_id, completed, last_time, last_part)
		VALUES ($1, $2, $3, true, $4, COALESCE((
			SELECT last_part FROM user_intervention_state
			WHERE user_id = $1 AND component_id = $2
			ORDER BY id DESC LIMIT 1), 0))`,
		userID, componentID, phase, at)
	if err != nil {
		return fmt.Errorf("failed to record completion: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastComponentState(ctx context.Context, userID int64, componentID int32) (*ComponentState, error) {
	row := &ComponentState{}
	var handle *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, component_id, phase_id, completed, last_time, last_part, next_planned_date, task_handle
		FROM user_intervention_state
		WHERE user_id = $1 AND component_id = $2
		ORDER BY id DESC LIMIT 1`, userID, componentID).
		Scan(&row.ID, &row.UserID, &row.ComponentID, &row.Phase, &row.Completed,
			&row.LastTime, &row.LastPart, &row.NextPlanned, &handle)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get component state: %w", err)
	}
	if handle != nil {
		row.TaskHandle = *handle
	}
	return row, nil
}

func (s *PostgresStore) IsCompleted(ctx context.Context, userID int64, componentID int32) (bool, error) {
	var completed bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_intervention_state
			WHERE user_id = $1 AND component_id = $2 AND completed
		)`, userID, componentID).Scan(&completed)
	if err != nil {
		return false, fmt.Errorf("failed to check completion: %w", err)
	}
	return completed, nil
}

func (s *PostgresStore) ListComponentStates(ctx context.Context, userID int64, limit int) ([]*ComponentState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, component_id, phase_id, completed, last_time, last_part, next_planned_date, task_handle
		FROM user_intervention_state
		WHERE user_id = $1
		ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list component states: %w", err)
	}
	defer rows.Close()

	var out []*ComponentState
	for rows.Next() {
		row := &ComponentState{}
		var handle *string
		if err := rows.Scan(&row.ID, &row.UserID, &row.ComponentID, &row.Phase, &row.Completed,
			&row.LastTime, &row.LastPart, &row.NextPlanned, &handle); err != nil {
			return nil, err
		}
		if handle != nil {
			row.TaskHandle = *handle
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first, matching the memory backend.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) ControllerState(ctx context.Context, userID int64) (*ControllerState, error) {
	ctrl := &ControllerState{}
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, phase_state, execution_week, updated_at
		FROM user_controller_state WHERE user_id = $1`, userID).
		Scan(&ctrl.UserID, &ctrl.State, &ctrl.ExecutionWeek, &ctrl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get controller state: %w", err)
	}
	return ctrl, nil
}

func (s *PostgresStore) SetPhaseState(ctx context.Context, userID int64, tag PhaseTag) error {
	cmdTag, err := s.pool.Exec(ctx, `
		UPDATE user_controller_state
		SET phase_state = $2, updated_at = now()
		WHERE user_id = $1`, userID, tag)
	if err != nil {
		return fmt.Errorf("failed to set phase state: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("controller state for user %d not found", userID)
	}
	return nil
}

func (s *PostgresStore) SetExecutionWeek(ctx context.Context, userID int64, week int) error {
	cmdTag, err := s.pool.Exec(ctx, `
		UPDATE user_controller_state
		SET execution_week = $2, updated_at = now()
		WHERE user_id = $1`, userID, week)
	if err != nil {
		return fmt.Errorf("failed to set execution week: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("controller state for user %d not found", userID)
	}
	return nil
}

func (s *PostgresStore) PendingOutbox(ctx context.Context, olderThan time.Time, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, component_state_id, trigger, eta, dispatched,
		       COALESCE(task_handle, ''), created_at, dispatched_at
		FROM scheduling_outbox
		WHERE NOT dispatched AND created_at <= $1
		ORDER BY id LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending outbox: %w", err)
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.StateID, &entry.Trigger, &entry.ETA,
			&entry.Dispatched, &entry.TaskHandle, &entry.CreatedAt, &entry.DispatchedAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountUsersByPhase(ctx context.Context) (map[PhaseTag]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT phase_state, COUNT(*) FROM user_controller_state GROUP BY phase_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	defer rows.Close()

	counts := make(map[PhaseTag]int)
	for rows.Next() {
		var tag PhaseTag
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, err
		}
		counts[tag] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
