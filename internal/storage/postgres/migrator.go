package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsGlob = "sql/migrations/*.sql"
	// migrationLockKey — ключ pg_advisory_lock, общий для всех экземпляров checkout-сервиса.
	migrationLockKey    = int64(20260419)
	migrationLockWait   = 5 * time.Second
	migrationStatusWait = 5 * time.Second
)

const (
	createMigrationTableSQL = `
CREATE TABLE IF NOT EXISTS checkout_schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	selectAppliedMigrationsSQL = `SELECT version, checksum, applied_at FROM checkout_schema_migrations`
	insertMigrationSQL         = `INSERT INTO checkout_schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`
	deleteMigrationSQL         = `DELETE FROM checkout_schema_migrations WHERE version = $1`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

	errStoreNotInitialized = errors.New("postgres store is not initialized")
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) label() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// checksum — sha256 тела up-миграции; по нему ловим правку уже применённого файла.
func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(m.UpSQL))
	return hex.EncodeToString(sum[:])
}

type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

// MigrationInfo описывает одну встроенную миграцию и факт её применения.
type MigrationInfo struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// MigrateUp применяет up-миграции; steps=0 применяет все ожидающие.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает последние миграции; steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus возвращает последнюю применённую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errStoreNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, migrationStatusWait)
	defer cancel()

	session, release, err := s.openMigrationSession(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	defer release()

	applied, err := session.applied(ctx)
	if err != nil {
		return 0, 0, err
	}

	var latest int64
	for version := range applied {
		if version > latest {
			latest = version
		}
	}
	return latest, len(applied), nil
}

// Migrations возвращает встроенные миграции по возрастанию версии.
func (s *Store) Migrations(ctx context.Context) ([]MigrationInfo, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotInitialized
	}

	all, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return nil, err
	}

	session, release, err := s.openMigrationSession(ctx, false)
	if err != nil {
		return nil, err
	}
	defer release()

	applied, err := session.applied(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]MigrationInfo, 0, len(all))
	for _, m := range all {
		info := MigrationInfo{Version: m.Version, Name: m.Name}
		if a, ok := applied[m.Version]; ok {
			info.Applied = true
			info.AppliedAt = a.appliedAt
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}

	all, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	session, release, err := s.openMigrationSession(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	applied, err := session.applied(ctx)
	if err != nil {
		return err
	}

	var plan []migration
	if direction == migrationUp {
		plan, err = planUp(all, applied, steps)
	} else {
		plan, err = planDown(all, applied, steps)
	}
	if err != nil {
		return err
	}

	for _, m := range plan {
		if err := session.run(ctx, m, direction); err != nil {
			return err
		}
	}
	return nil
}

// planUp возвращает ожидающие миграции по возрастанию версии и проверяет,
// что применённые файлы не менялись.
func planUp(all []migration, applied map[int64]appliedMigration, steps int) ([]migration, error) {
	var pending []migration
	for _, m := range all {
		if a, ok := applied[m.Version]; ok {
			if a.checksum != "" && a.checksum != m.checksum() {
				return nil, fmt.Errorf("migration %s was modified after it was applied", m.label())
			}
			continue
		}
		pending = append(pending, m)
		if steps > 0 && len(pending) == steps {
			break
		}
	}
	return pending, nil
}

// planDown возвращает steps последних применённых миграций, начиная с новой.
func planDown(all []migration, applied map[int64]appliedMigration, steps int) ([]migration, error) {
	known := make(map[int64]migration, len(all))
	for _, m := range all {
		known[m.Version] = m
	}

	versions := make([]int64, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	if steps > 0 && len(versions) > steps {
		versions = versions[:steps]
	}

	plan := make([]migration, 0, len(versions))
	for _, version := range versions {
		m, ok := known[version]
		if !ok {
			return nil, fmt.Errorf("cannot roll back unknown migration version %d", version)
		}
		plan = append(plan, m)
	}
	return plan, nil
}

// migrationSession — выделенное соединение, на котором держится advisory-блокировка.
type migrationSession struct {
	conn *sql.Conn
}

func (s *Store) openMigrationSession(ctx context.Context, exclusive bool) (*migrationSession, func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire db connection: %w", err)
	}

	release := func() { _ = conn.Close() }
	if exclusive {
		lockCtx, cancel := context.WithTimeout(ctx, migrationLockWait)
		_, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey)
		cancel()
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("acquire migration lock: %w", err)
		}
		release = func() {
			_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
			_ = conn.Close()
		}
	}

	if _, err := conn.ExecContext(ctx, createMigrationTableSQL); err != nil {
		release()
		return nil, nil, fmt.Errorf("ensure migration table: %w", err)
	}
	return &migrationSession{conn: conn}, release, nil
}

func (ms *migrationSession) applied(ctx context.Context) (map[int64]appliedMigration, error) {
	rows, err := ms.conn.QueryContext(ctx, selectAppliedMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]appliedMigration)
	for rows.Next() {
		var (
			version int64
			a       appliedMigration
		)
		if err := rows.Scan(&version, &a.checksum, &a.appliedAt); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		a.appliedAt = a.appliedAt.UTC()
		applied[version] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// run выполняет тело миграции и запись в журнал одной транзакцией.
func (ms *migrationSession) run(ctx context.Context, m migration, direction migrationDirection) error {
	body, record, args := m.UpSQL, insertMigrationSQL, []any{m.Version, m.Name, m.checksum()}
	if direction == migrationDown {
		body, record, args = m.DownSQL, deleteMigrationSQL, []any{m.Version}
	}

	tx, err := ms.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", direction, m.label(), err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("execute %s migration %s: %w", direction, m.label(), err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s migration %s: %w", direction, m.label(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, m.label(), err)
	}
	return nil
}

func parseMigrationFileName(base string) (int64, string, migrationDirection, error) {
	matches := migrationFilePattern.FindStringSubmatch(base)
	if matches == nil {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", base)
	}
	version, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("parse migration version from %s: %w", base, err)
	}
	return version, matches[2], migrationDirection(matches[3]), nil
}

func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration, len(files)/2)
	for _, file := range files {
		base := path.Base(file)
		version, name, direction, err := parseMigrationFileName(base)
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, name)
		}

		target := &m.UpSQL
		if direction == migrationDown {
			target = &m.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", direction, version)
		}
		*target = body
	}

	result := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.label())
		}
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version < result[j].Version })
	return result, nil
}
