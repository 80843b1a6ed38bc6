// Copyright 2019 Michael Mitchell
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the data access layer: persistence and transactional
// bookkeeping for teams, services, flags, check-ups, and the singleton
// tick record, backed by SQLite. Any write that reads-then-writes runs
// inside a single serializable transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/uwfcsc/ctfgameserver/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors a caller can dispatch on with errors.Is.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrAlreadyClaimed = errors.New("store: flag already claimed")
	ErrSelfFlag       = errors.New("store: cannot claim own flag")
	ErrInProgress     = errors.New("store: flag still in progress")
)

const timeLayout = time.RFC3339Nano

// Store wraps a SQLite-backed connection pool and exposes the
// transactional operations the loops, submission controller, and
// scoreboard build on.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the SQLite database at dsn and runs
// pending migrations.
func Open(dsn string) (*Store, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_journal=WAL&_fk=true")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; avoid SQLITE_BUSY under our own load

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", dsn, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("store: migration setup: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Bootstrap ensures the singleton tick row exists, inserting it with
// zeroed counters if absent. Schema creation itself happens in migrate.
func (s *Store) Bootstrap(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tick (id, current_tick, start_time, current_check)
		VALUES (0, 0, ?, 0)
		ON CONFLICT (id) DO NOTHING
	`, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: bootstrap: %w", err)
	}
	return nil
}

// UpsertTeam idempotently registers a team by id.
func (s *Store) UpsertTeam(ctx context.Context, id int, ip string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO teams (id, ip, arbitrary_bonus_points)
		VALUES (?, ?, 0)
		ON CONFLICT (id) DO UPDATE SET ip = excluded.ip
	`, id, ip)
	if err != nil {
		return fmt.Errorf("store: upsert team %d: %w", id, err)
	}
	return nil
}

// UpsertService idempotently registers a service by name, satisfying the
// catalog.Registrar interface.
func (s *Store) UpsertService(name string, port, atkScore, defScore, upScore int) error {
	_, err := s.db.Exec(`
		INSERT INTO services (name, port, atk_score, def_score, up_score)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING
	`, name, port, atkScore, defScore, upScore)
	if err != nil {
		return fmt.Errorf("store: upsert service %s: %w", name, err)
	}
	return nil
}

// GetCurrentTick returns the singleton tick row's current_tick and
// start_time.
func (s *Store) GetCurrentTick(ctx context.Context) (int, time.Time, error) {
	var row struct {
		CurrentTick int    `db:"current_tick"`
		StartTime   string `db:"start_time"`
	}
	if err := s.db.GetContext(ctx, &row, `SELECT current_tick, start_time FROM tick WHERE id = 0`); err != nil {
		return 0, time.Time{}, fmt.Errorf("store: get current tick: %w", err)
	}
	start, err := time.Parse(timeLayout, row.StartTime)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("store: parse start_time: %w", err)
	}
	return row.CurrentTick, start, nil
}

// GetCurrentCheck returns the singleton tick row's current_check.
func (s *Store) GetCurrentCheck(ctx context.Context) (int, error) {
	var check int
	if err := s.db.GetContext(ctx, &check, `SELECT current_check FROM tick WHERE id = 0`); err != nil {
		return 0, fmt.Errorf("store: get current check: %w", err)
	}
	return check, nil
}

// ClearInProgress deletes every Flag and CheckUp row still marked
// in_progress, resolving crash-interrupted rounds at startup: losing one
// round is acceptable, leaving half-written state is not.
func (s *Store) ClearInProgress(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM flags WHERE in_progress = 1`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM check_ups WHERE in_progress = 1`); err != nil {
			return err
		}
		return nil
	})
}

// GetLastFlag returns the Flag row with the largest tick for (teamID,
// serviceName).
func (s *Store) GetLastFlag(ctx context.Context, teamID int, serviceName string) (models.Flag, error) {
	var f models.Flag
	var created, flagID sql.NullString
	var claimedByInt sql.NullInt64

	row := s.db.QueryRowxContext(ctx, `
		SELECT tick, team_id, service_name, flag, flag_id, in_progress, claimed_by, defended, created
		FROM flags
		WHERE team_id = ? AND service_name = ?
		ORDER BY tick DESC
		LIMIT 1
	`, teamID, serviceName)

	var inProgress, defended int
	if err := row.Scan(&f.Tick, &f.TeamID, &f.ServiceName, &f.Flag, &flagID, &inProgress, &claimedByInt, &defended, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Flag{}, fmt.Errorf("store: last flag for team %d/%s: %w", teamID, serviceName, ErrNotFound)
		}
		return models.Flag{}, fmt.Errorf("store: get last flag: %w", err)
	}

	f.InProgress = inProgress != 0
	f.Defended = defended != 0
	if flagID.Valid {
		v := flagID.String
		f.FlagID = &v
	}
	if claimedByInt.Valid {
		v := int(claimedByInt.Int64)
		f.ClaimedBy = &v
	}
	if t, err := time.Parse(timeLayout, created.String); err == nil {
		f.Created = t
	}

	return f, nil
}

// InsertFlag inserts a new Flag row with in_progress=true, defended=false,
// claimed_by=null.
func (s *Store) InsertFlag(ctx context.Context, tick, teamID int, serviceName, flag string, flagID *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flags (tick, team_id, service_name, flag, flag_id, in_progress, claimed_by, defended, created)
		VALUES (?, ?, ?, ?, ?, 1, NULL, 0, ?)
	`, tick, teamID, serviceName, flag, flagID, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: insert flag (tick=%d team=%d svc=%s): %w", tick, teamID, serviceName, err)
	}
	return nil
}

// UpdateDefense sets defended and clears in_progress on a specific flag
// row.
func (s *Store) UpdateDefense(ctx context.Context, tick, teamID int, serviceName string, defended bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE flags SET defended = ?, in_progress = 0
		WHERE tick = ? AND team_id = ? AND service_name = ?
	`, defended, tick, teamID, serviceName)
	if err != nil {
		return fmt.Errorf("store: update defense (tick=%d team=%d svc=%s): %w", tick, teamID, serviceName, err)
	}
	return nil
}

// InsertCheckup inserts a CheckUp row and immediately finalizes it within
// the same transaction.
func (s *Store) InsertCheckup(ctx context.Context, checkNumber, teamID int, serviceName string, up bool, timestamp time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO check_ups (check_number, team_id, service_name, in_progress, up, timestamp)
			VALUES (?, ?, ?, 1, ?, ?)
		`, checkNumber, teamID, serviceName, up, timestamp.UTC().Format(timeLayout))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE check_ups SET in_progress = 0
			WHERE check_number = ? AND team_id = ? AND service_name = ?
		`, checkNumber, teamID, serviceName)
		return err
	})
}

// BumpTick advances the tick counter, closing any flags left open at the
// outgoing tick as a safety net.
func (s *Store) BumpTick(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current int
		if err := tx.GetContext(ctx, &current, `SELECT current_tick FROM tick WHERE id = 0`); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE flags SET in_progress = 0 WHERE tick = ? AND in_progress = 1`, current); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE tick SET current_tick = ?, start_time = ? WHERE id = 0
		`, current+1, time.Now().UTC().Format(timeLayout))
		return err
	})
}

// BumpCheck advances the check counter, analogous to BumpTick.
func (s *Store) BumpCheck(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current int
		if err := tx.GetContext(ctx, &current, `SELECT current_check FROM tick WHERE id = 0`); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE check_ups SET in_progress = 0 WHERE check_number = ? AND in_progress = 1`, current); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `UPDATE tick SET current_check = ? WHERE id = 0`, current+1)
		return err
	})
}

// ClaimFlag atomically transfers ownership of a flag matched by its exact
// string to submitterTeam. Lookup, rule checks, and the claim itself run
// inside one transaction so two concurrent submitters cannot both win.
func (s *Store) ClaimFlag(ctx context.Context, flagString string, submitterTeam int) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			Tick        int           `db:"tick"`
			TeamID      int           `db:"team_id"`
			ServiceName string        `db:"service_name"`
			InProgress  int           `db:"in_progress"`
			ClaimedBy   sql.NullInt64 `db:"claimed_by"`
		}

		err := tx.GetContext(ctx, &row, `
			SELECT tick, team_id, service_name, in_progress, claimed_by
			FROM flags WHERE flag = ?
		`, flagString)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if row.ClaimedBy.Valid {
			return ErrAlreadyClaimed
		}
		if row.TeamID == submitterTeam {
			return ErrSelfFlag
		}
		if row.InProgress != 0 {
			return ErrInProgress
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE flags SET claimed_by = ?
			WHERE tick = ? AND team_id = ? AND service_name = ?
		`, submitterTeam, row.Tick, row.TeamID, row.ServiceName)
		return err
	})
}

// GetAllTeams returns every registered team, for use by the scoreboard
// aggregator.
func (s *Store) GetAllTeams(ctx context.Context) ([]models.Team, error) {
	var teams []models.Team
	if err := s.db.SelectContext(ctx, &teams, `SELECT id, ip, arbitrary_bonus_points FROM teams ORDER BY id`); err != nil {
		return nil, fmt.Errorf("store: get all teams: %w", err)
	}
	return teams, nil
}

// GetAllServices returns every registered service.
func (s *Store) GetAllServices(ctx context.Context) ([]models.Service, error) {
	var services []models.Service
	if err := s.db.SelectContext(ctx, &services, `SELECT name, port, atk_score, def_score, up_score FROM services ORDER BY name`); err != nil {
		return nil, fmt.Errorf("store: get all services: %w", err)
	}
	return services, nil
}

// flagRow mirrors the flags table layout for scanning into models.Flag,
// translating SQLite's integer booleans and nullable text columns.
type flagRow struct {
	Tick        int            `db:"tick"`
	TeamID      int            `db:"team_id"`
	ServiceName string         `db:"service_name"`
	Flag        string         `db:"flag"`
	FlagID      sql.NullString `db:"flag_id"`
	InProgress  int            `db:"in_progress"`
	ClaimedBy   sql.NullInt64  `db:"claimed_by"`
	Defended    int            `db:"defended"`
	Created     string         `db:"created"`
}

func (r flagRow) toModel() models.Flag {
	f := models.Flag{
		Tick:        r.Tick,
		TeamID:      r.TeamID,
		ServiceName: r.ServiceName,
		Flag:        r.Flag,
		InProgress:  r.InProgress != 0,
		Defended:    r.Defended != 0,
	}
	if r.FlagID.Valid {
		v := r.FlagID.String
		f.FlagID = &v
	}
	if r.ClaimedBy.Valid {
		v := int(r.ClaimedBy.Int64)
		f.ClaimedBy = &v
	}
	if t, err := time.Parse(timeLayout, r.Created); err == nil {
		f.Created = t
	}
	return f
}

// GetFinalizedFlags returns every Flag row with in_progress=false, newest
// tick first, for the scoreboard's per-tick grid.
func (s *Store) GetFinalizedFlags(ctx context.Context) ([]models.Flag, error) {
	var rows []flagRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT tick, team_id, service_name, flag, flag_id, in_progress, claimed_by, defended, created
		FROM flags
		WHERE in_progress = 0
		ORDER BY tick DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: get finalized flags: %w", err)
	}

	flags := make([]models.Flag, len(rows))
	for i, r := range rows {
		flags[i] = r.toModel()
	}
	return flags, nil
}

type checkUpRow struct {
	CheckNumber int    `db:"check_number"`
	TeamID      int    `db:"team_id"`
	ServiceName string `db:"service_name"`
	InProgress  int    `db:"in_progress"`
	Up          int    `db:"up"`
	Timestamp   string `db:"timestamp"`
}

func (r checkUpRow) toModel() models.CheckUp {
	c := models.CheckUp{
		CheckNumber: r.CheckNumber,
		TeamID:      r.TeamID,
		ServiceName: r.ServiceName,
		InProgress:  r.InProgress != 0,
		Up:          r.Up != 0,
	}
	if t, err := time.Parse(timeLayout, r.Timestamp); err == nil {
		c.Timestamp = t
	}
	return c
}

// GetFinalizedCheckUps returns every CheckUp row with in_progress=false,
// oldest check first, for the scoreboard's per-check grid.
func (s *Store) GetFinalizedCheckUps(ctx context.Context) ([]models.CheckUp, error) {
	var rows []checkUpRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT check_number, team_id, service_name, in_progress, up, timestamp
		FROM check_ups
		WHERE in_progress = 0
		ORDER BY check_number ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: get finalized check-ups: %w", err)
	}

	checks := make([]models.CheckUp, len(rows))
	for i, r := range rows {
		checks[i] = r.toModel()
	}
	return checks, nil
}

// withTx runs fn inside a serializable transaction, committing on success
// and rolling back on any error or panic. SQLite's own single-writer
// locking already serializes writers; the isolation level is stated
// explicitly so the store keeps the same semantics if ever pointed at a
// multi-writer engine.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}
