package probe

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emfacilities/emfac/db"
	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/stream"
)

//go:embed migrations
var migrationsFS embed.FS

// Probe table names. Each probe writes one table in its own log file.
const (
	TableCTF    = "ctf"
	TableGain   = "gain"
	TableSystem = "system"
)

// Column is one probe-specific column. Text columns hold image paths.
type Column struct {
	Name string
	Text bool
}

var schemas = map[string][]Column{
	TableCTF: {
		{Name: "defocus_u"}, {Name: "defocus_v"}, {Name: "astigmatism"}, {Name: "angle"},
		{Name: "resolution"}, {Name: "fit_quality"}, {Name: "phase_shift"},
		{Name: "mic_path", Text: true}, {Name: "psd_path", Text: true}, {Name: "shift_plot_path", Text: true},
	},
	TableGain: {
		{Name: "ratio1"}, {Name: "ratio2"}, {Name: "std_dev"},
		{Name: "gain_path", Text: true},
	},
	TableSystem: {
		{Name: "cpu"}, {Name: "mem"}, {Name: "swap"}, {Name: "disk"},
	},
}

// Schema returns the columns of table.
func Schema(table string) ([]Column, error) {
	cols, ok := schemas[table]
	if !ok {
		return nil, errors.NewInvalidParameter("probe", "unknown probe table %q", table)
	}
	return cols, nil
}

// Migrations returns the schema of one probe table.
func Migrations(table string) (fs.FS, error) {
	if _, err := Schema(table); err != nil {
		return nil, err
	}
	return fs.Sub(migrationsFS, "migrations/"+table)
}

// LogPath is <run>/extra/<probe>_log.sqlite.
func LogPath(runDir, table string) string {
	return filepath.Join(runDir, "extra", table+"_log.sqlite")
}

// Record is the probe-specific part of a row.
type Record struct {
	Values map[string]float64
	Paths  map[string]string
}

// Row is one metric row. ID strictly increases and ItemID is unique per
// table, so (probe, item_id) fingerprints the row.
type Row struct {
	ID          int64
	Timestamp   time.Time
	ItemID      int64
	Transferred bool
	Record
}

// Value returns a numeric column, 0 when absent.
func (r Row) Value(name string) float64 { return r.Values[name] }

// Path returns a path column, "" when absent.
func (r Row) Path(name string) string { return r.Paths[name] }

// Log is a probe metric table in SQLite. Writers create it fresh for every
// run; the report and the influx sink open it afterwards to read rows and
// flag transfers.
type Log struct {
	db     *sql.DB
	table  string
	cols   []Column
	path   string
	lastTS time.Time
}

// CreateLog recreates the log at path and applies the table schema.
func CreateLog(path, table string, log *zap.SugaredLogger) (*Log, error) {
	migrations, err := Migrations(table)
	if err != nil {
		return nil, err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "remove stale %s log", table)
		}
	}
	handle, err := db.OpenWithMigrations(path, migrations, log)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s log", table)
	}
	return &Log{db: handle, table: table, cols: schemas[table], path: path}, nil
}

// OpenLog opens an existing log. It returns ErrNotFound until the probe has
// created it.
func OpenLog(path, table string, log *zap.SugaredLogger) (*Log, error) {
	if _, err := Schema(table); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "%s log %s", table, path)
	}
	handle, err := db.Open(path, log)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s log", table)
	}
	return &Log{db: handle, table: table, cols: schemas[table], path: path}, nil
}

func (l *Log) Table() string { return l.table }
func (l *Log) Path() string  { return l.path }
func (l *Log) Close() error  { return l.db.Close() }

// Insert appends one row for itemID. It reports false when the item already
// has a row.
func (l *Log) Insert(ctx context.Context, ts time.Time, itemID int64, rec Record) (int64, bool, error) {
	// timestamps never go backwards within a table
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	names := []string{"timestamp", "item_id"}
	args := []any{ts.UTC(), itemID}
	for _, c := range l.cols {
		names = append(names, c.Name)
		if c.Text {
			args = append(args, rec.Paths[c.Name])
		} else {
			args = append(args, rec.Values[c.Name])
		}
	}
	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (?%s)",
		l.table, strings.Join(names, ", "), strings.Repeat(", ?", len(names)-1))

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, false, errors.Wrapf(err, "insert %s row for item %d", l.table, itemID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, errors.Wrap(err, "read row id")
	}
	l.lastTS = ts
	return id, true, nil
}

// ItemIDs returns the item ids that already have a row.
func (l *Log) ItemIDs(ctx context.Context) (stream.IDSet, error) {
	rows, err := l.db.QueryContext(ctx, fmt.Sprintf("SELECT item_id FROM %s", l.table))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s item ids", l.table)
	}
	defer rows.Close()
	ids := stream.NewIDSet()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan item id")
		}
		ids.Add(id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate item ids")
}

// Since returns rows with id > lastID in id order. limit <= 0 means all.
func (l *Log) Since(ctx context.Context, lastID int64, limit int) ([]Row, error) {
	return l.query(ctx, "id > ?", []any{lastID}, limit)
}

// Untransferred returns rows not yet shipped that carry at least one image.
func (l *Log) Untransferred(ctx context.Context, limit int) ([]Row, error) {
	var images []string
	for _, c := range l.cols {
		if c.Text {
			images = append(images, c.Name+" != ''")
		}
	}
	if len(images) == 0 {
		return nil, nil
	}
	return l.query(ctx, "transferred = 0 AND ("+strings.Join(images, " OR ")+")", nil, limit)
}

// MarkTransferred flags a row as shipped.
func (l *Log) MarkTransferred(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET transferred = 1 WHERE id = ?", l.table), id)
	return errors.Wrapf(err, "mark %s row %d transferred", l.table, id)
}

// Count returns the number of rows.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", l.table)).Scan(&n)
	return n, errors.Wrapf(err, "count %s rows", l.table)
}

func (l *Log) query(ctx context.Context, where string, args []any, limit int) ([]Row, error) {
	names := []string{"id", "timestamp", "item_id", "transferred"}
	for _, c := range l.cols {
		names = append(names, c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY id", strings.Join(names, ", "), l.table, where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s rows", l.table)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row := Row{Record: Record{Values: map[string]float64{}, Paths: map[string]string{}}}
		floats := make([]float64, len(l.cols))
		texts := make([]string, len(l.cols))
		dest := []any{&row.ID, &row.Timestamp, &row.ItemID, &row.Transferred}
		for i, c := range l.cols {
			if c.Text {
				dest = append(dest, &texts[i])
			} else {
				dest = append(dest, &floats[i])
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrapf(err, "scan %s row", l.table)
		}
		for i, c := range l.cols {
			if c.Text {
				row.Paths[c.Name] = texts[i]
			} else {
				row.Values[c.Name] = floats[i]
			}
		}
		out = append(out, row)
	}
	return out, errors.Wrapf(rows.Err(), "iterate %s rows", l.table)
}
