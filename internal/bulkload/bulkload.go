// Package bulkload materializes an accumulated file's staging sets into the
// database via COPY, then optionally invokes the promotion routines that
// move staging rows into production tables.
package bulkload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"aqingest/internal/accumulator"
	"aqingest/internal/logging"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is the subset of pgx.Tx the loader needs. Narrowing it to exactly
// these four methods (rather than depending on the full pgx.Tx interface)
// keeps fakes in tests small: any pgx.Tx value satisfies Tx automatically,
// since Go permits assigning an interface value to a narrower interface
// variable whenever its method set is a superset.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DB begins a Tx. PoolDB adapts a *pgxpool.Pool to this interface for
// production use; tests substitute a fake.
type DB interface {
	Begin(ctx context.Context) (Tx, error)
}

// PoolDB adapts a live *pgxpool.Pool to the DB interface.
type PoolDB struct {
	Pool *pgxpool.Pool
}

// Begin starts a transaction against the underlying pool. The returned
// pgx.Tx satisfies Tx structurally, since its method set is a superset.
func (p *PoolDB) Begin(ctx context.Context) (Tx, error) {
	return p.Pool.Begin(ctx)
}

// Loader materializes one file's accumulated staging sets into Postgres.
type Loader struct {
	db            DB
	logger        *slog.Logger
	useTempTables bool
}

// New returns a Loader. useTempTables selects session-temporary staging
// tables (dropped automatically when the database session ends, not at
// transaction end) versus permanent ones truncated by the promotion SQL,
// per the USE_TEMP_TABLES setting.
func New(db DB, logger *slog.Logger, useTempTables bool) *Loader {
	return &Loader{db: db, logger: logging.Default(logger), useTempTables: useTempTables}
}

// tableKind returns the DDL prefix for the staging tables: TEMPORARY when
// useTempTables is set, UNLOGGED otherwise. No staging table is dropped
// explicitly by the loader.
func (l *Loader) tableKind() string {
	if l.useTempTables {
		return "TEMPORARY"
	}
	return "UNLOGGED"
}

// DumpLocations bulk-copies nodes, systems, sensors, and flags (in that
// order, since later tables reference earlier ones) into staging tables,
// marks the claimed fetchlog rows loaded, and, if load is true, invokes
// the node promotion routine and clears last_message. A file with zero
// parsed records still runs the dump so its fetchlog row is finalized.
func (l *Loader) DumpLocations(ctx context.Context, acc *accumulator.Accumulator, fetchlogsID int64, load bool) error {
	if err := acc.Transition(accumulator.StateDumpingLocations); err != nil {
		return fmt.Errorf("transition to dumping_locations: %w", err)
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin locations transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	kind := l.tableKind()
	ddl := []string{
		fmt.Sprintf(`CREATE %s TABLE IF NOT EXISTS staging_nodes (ingest_id text, site_name text, source_name text, source_id text, ismobile boolean, lon double precision, lat double precision, matching_method text, metadata text, fetchlogs_id bigint)`, kind),
		fmt.Sprintf(`CREATE %s TABLE IF NOT EXISTS staging_systems (ingest_id text, ingest_sensor_nodes_id text, instrument_ingest_id text, metadata text, fetchlogs_id bigint)`, kind),
		fmt.Sprintf(`CREATE %s TABLE IF NOT EXISTS staging_sensors (ingest_id text, ingest_sensor_systems_id text, measurand text, units text, status text, logging_interval_seconds int, averaging_interval_seconds int, metadata text, fetchlogs_id bigint)`, kind),
		fmt.Sprintf(`CREATE %s TABLE IF NOT EXISTS staging_flags (ingest_id text, sensor_ingest_id text, datetime_from timestamptz, datetime_to timestamptz, note text, metadata text, fetchlogs_id bigint)`, kind),
	}
	for _, stmt := range ddl {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create staging tables: %w", err)
		}
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"staging_nodes"},
		[]string{"ingest_id", "site_name", "source_name", "source_id", "ismobile", "lon", "lat", "matching_method", "metadata", "fetchlogs_id"},
		nodeCopySource(acc.Nodes())); err != nil {
		return l.classifyDumpError("copy staging_nodes", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"staging_systems"},
		[]string{"ingest_id", "ingest_sensor_nodes_id", "instrument_ingest_id", "metadata", "fetchlogs_id"},
		systemCopySource(acc.Systems())); err != nil {
		return l.classifyDumpError("copy staging_systems", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"staging_sensors"},
		[]string{"ingest_id", "ingest_sensor_systems_id", "measurand", "units", "status", "logging_interval_seconds", "averaging_interval_seconds", "metadata", "fetchlogs_id"},
		sensorCopySource(acc.Sensors())); err != nil {
		return l.classifyDumpError("copy staging_sensors", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"staging_flags"},
		[]string{"ingest_id", "sensor_ingest_id", "datetime_from", "datetime_to", "note", "metadata", "fetchlogs_id"},
		flagCopySource(acc.Flags())); err != nil {
		return l.classifyDumpError("copy staging_flags", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE fetchlogs SET loaded_datetime = now() WHERE fetchlogs_id = $1`, fetchlogsID); err != nil {
		return fmt.Errorf("mark fetchlog loaded: %w", err)
	}

	if load {
		if _, err := tx.Exec(ctx, `SELECT etl_process_nodes($1)`, fetchlogsID); err != nil {
			return l.classifyDumpError("invoke etl_process_nodes", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE fetchlogs SET last_message = NULL WHERE fetchlogs_id = $1`, fetchlogsID); err != nil {
			return fmt.Errorf("clear last_message: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE fetchlogs SET completed_datetime = now(), has_error = false WHERE fetchlogs_id = $1`, fetchlogsID); err != nil {
		return fmt.Errorf("mark fetchlog completed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit locations transaction: %w", err)
	}
	return nil
}

// DumpMeasurements bulk-copies measurements into a staging table and, if
// load is true, invokes the measurement promotion routine.
func (l *Loader) DumpMeasurements(ctx context.Context, acc *accumulator.Accumulator, fetchlogsID int64, load bool) error {
	if err := acc.Transition(accumulator.StateDumpingMeasurements); err != nil {
		return fmt.Errorf("transition to dumping_measurements: %w", err)
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin measurements transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	kind := l.tableKind()
	ddl := fmt.Sprintf(`CREATE %s TABLE IF NOT EXISTS staging_measurements (ingest_id text, source_name text, source_id text, measurand text, value text, datetime timestamptz, lon double precision, lat double precision, fetchlogs_id bigint)`, kind)
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create staging_measurements: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"staging_measurements"},
		[]string{"ingest_id", "source_name", "source_id", "measurand", "value", "datetime", "lon", "lat", "fetchlogs_id"},
		measurementCopySource(acc.Measurements())); err != nil {
		return l.classifyDumpError("copy staging_measurements", err)
	}

	if keys := acc.Keys(); len(keys) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"staging_keys"},
			[]string{"key", "last_modified", "fetchlogs_id"},
			keyCopySource(keys)); err != nil {
			return l.classifyDumpError("copy staging_keys", err)
		}
	}

	if load {
		if _, err := tx.Exec(ctx, `SELECT etl_process_measurements($1)`, fetchlogsID); err != nil {
			return l.classifyDumpError("invoke etl_process_measurements", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit measurements transaction: %w", err)
	}
	if err := acc.Transition(accumulator.StateFinalized); err != nil {
		return fmt.Errorf("transition to finalized: %w", err)
	}
	return nil
}

// classifyDumpError treats a unique-violation from any dump step it wraps
// (the staging copies and the promotion routines) as success (the row was
// already loaded by a prior, since-abandoned attempt under at-least-once
// delivery); every other database error is terminal for the file.
func (l *Loader) classifyDumpError(step string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		l.logger.Info("treating unique violation as already-loaded", "step", step)
		return nil
	}
	return fmt.Errorf("%s: %w", step, err)
}

// escapeCopyValue renders v using the conventional text-format COPY escape:
// NULL -> \N, embedded newlines -> literal \n, tabs -> a single space.
// pgx.CopyFrom itself uses the binary copy protocol and never calls this;
// it exists for callers that shell out to psql \copy or otherwise produce a
// text-format COPY stream, and is covered directly by its own tests.
func escapeCopyValue(v *string) string {
	if v == nil {
		return `\N`
	}
	s := *v
	s = replaceAll(s, "\n", `\n`)
	s = replaceAll(s, "\t", " ")
	return s
}

func replaceAll(s, old, new string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		if i+len(old) <= len(s) && s[i:i+len(old)] == old {
			out = append(out, new...)
			i += len(old)
			continue
		}
		out = append(out, s[i])
		i++
	}
	return string(out)
}

func marshalMetadata(m map[string]any) *string {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}
