package subset

import (
	"database/sql"
	"embed"
	"io/fs"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/emfacilities/emfac/db"
	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/stream"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the sidecar schema.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Id categories persisted in the sidecar.
const (
	catInserted  = "inserted"
	catProcessed = "processed"
	catSample    = "sample"
	catEmitted   = "emitted"
	catBatch     = "batch"
)

// Property keys persisted in the sidecar.
const (
	propLastCheck    = "last_check"
	propLimitReached = "limit_reached"
	propTimedOut     = "timed_out"
	propDeadline     = "deadline"
	propPosition     = "position"
	propBatchIndex   = "batch_index"
	propSeals        = "seal_count"
	propAdmitted     = "admitted"
	propFresh        = "fresh"
	propGroup        = "group"
	propLastJob      = "last_job"
	propSeed         = "seed"
)

// Sidecar is the durable per-node state that lets a restarted node resume
// without duplicating emissions. Several nodes may share one file; rows are
// keyed by node name.
type Sidecar struct {
	db   *sql.DB
	node string
	own  bool
}

// OpenSidecar opens (creating if needed) <run>/sidecar.sqlite for node.
func OpenSidecar(path, node string, log *zap.SugaredLogger) (*Sidecar, error) {
	handle, err := db.OpenWithMigrations(path, Migrations(), log)
	if err != nil {
		return nil, errors.Wrap(err, "open sidecar")
	}
	return &Sidecar{db: handle, node: node, own: true}, nil
}

// NewSidecar uses an already migrated database. The caller keeps ownership.
func NewSidecar(handle *sql.DB, node string) *Sidecar {
	return &Sidecar{db: handle, node: node}
}

// Close closes the database if the sidecar opened it.
func (s *Sidecar) Close() error {
	if !s.own {
		return nil
	}
	return s.db.Close()
}

// Reset forgets everything recorded for this node.
func (s *Sidecar) Reset() error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin sidecar reset")
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM sidecar_ids WHERE node = ?", s.node); err != nil {
		return errors.Wrap(err, "reset sidecar ids")
	}
	if _, err := tx.Exec("DELETE FROM sidecar_props WHERE node = ?", s.node); err != nil {
		return errors.Wrap(err, "reset sidecar properties")
	}
	return errors.Wrap(tx.Commit(), "commit sidecar reset")
}

// AddIDs records ids under category.
func (s *Sidecar) AddIDs(category string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin sidecar %s write", category)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO sidecar_ids (node, category, item_id) VALUES (?, ?, ?)")
	if err != nil {
		return errors.Wrapf(err, "prepare sidecar %s write", category)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.Exec(s.node, category, id); err != nil {
			return errors.Wrapf(err, "record %s id %d", category, id)
		}
	}
	return errors.Wrapf(tx.Commit(), "commit sidecar %s write", category)
}

// ReplaceIDs replaces every id under category.
func (s *Sidecar) ReplaceIDs(category string, ids []int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin sidecar %s replace", category)
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM sidecar_ids WHERE node = ? AND category = ?", s.node, category); err != nil {
		return errors.Wrapf(err, "clear sidecar %s", category)
	}
	for _, id := range ids {
		if _, err := tx.Exec("INSERT OR IGNORE INTO sidecar_ids (node, category, item_id) VALUES (?, ?, ?)", s.node, category, id); err != nil {
			return errors.Wrapf(err, "record %s id %d", category, id)
		}
	}
	return errors.Wrapf(tx.Commit(), "commit sidecar %s replace", category)
}

// IDs returns the ids recorded under category in ascending order.
func (s *Sidecar) IDs(category string) ([]int64, error) {
	rows, err := s.db.Query("SELECT item_id FROM sidecar_ids WHERE node = ? AND category = ? ORDER BY item_id", s.node, category)
	if err != nil {
		return nil, errors.Wrapf(err, "read sidecar %s", category)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan sidecar id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate sidecar ids")
}

// IDSet is IDs as a set.
func (s *Sidecar) IDSet(category string) (stream.IDSet, error) {
	ids, err := s.IDs(category)
	if err != nil {
		return nil, err
	}
	return stream.NewIDSet(ids...), nil
}

func (s *Sidecar) Set(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO sidecar_props (node, key, value) VALUES (?, ?, ?) ON CONFLICT(node, key) DO UPDATE SET value = excluded.value",
		s.node, key, value,
	)
	return errors.Wrapf(err, "write sidecar %s", key)
}

func (s *Sidecar) Get(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM sidecar_props WHERE node = ? AND key = ?", s.node, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "read sidecar %s", key)
	}
	return v, true, nil
}

func (s *Sidecar) SetBool(key string, v bool) error {
	return s.Set(key, strconv.FormatBool(v))
}

func (s *Sidecar) Bool(key string) (bool, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	return b, errors.Wrapf(err, "parse sidecar %s", key)
}

func (s *Sidecar) SetInt(key string, v int64) error {
	return s.Set(key, strconv.FormatInt(v, 10))
}

func (s *Sidecar) Int(key string) (int64, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, errors.Wrapf(err, "parse sidecar %s", key)
}

func (s *Sidecar) SetTime(key string, t time.Time) error {
	return s.Set(key, t.UTC().Format(time.RFC3339Nano))
}

// Time returns the zero time when key is unset.
func (s *Sidecar) Time(key string) (time.Time, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	return t, errors.Wrapf(err, "parse sidecar %s", key)
}

// Snapshot is a read-only view of one node's sidecar, used by status output.
type Snapshot struct {
	Node         string
	Inserted     int
	Processed    int
	Emitted      int
	LimitReached bool
	TimedOut     bool
	Seals        int64
}

// Snapshot summarises the recorded state.
func (s *Sidecar) Snapshot() (Snapshot, error) {
	snap := Snapshot{Node: s.node}
	for cat, dst := range map[string]*int{catInserted: &snap.Inserted, catProcessed: &snap.Processed, catEmitted: &snap.Emitted} {
		ids, err := s.IDs(cat)
		if err != nil {
			return snap, err
		}
		*dst = len(ids)
	}
	var err error
	if snap.LimitReached, err = s.Bool(propLimitReached); err != nil {
		return snap, err
	}
	if snap.TimedOut, err = s.Bool(propTimedOut); err != nil {
		return snap, err
	}
	snap.Seals, err = s.Int(propSeals)
	return snap, err
}

// Nodes lists the node names recorded in a sidecar database.
func Nodes(handle *sql.DB) ([]string, error) {
	rows, err := handle.Query("SELECT DISTINCT node FROM sidecar_props UNION SELECT DISTINCT node FROM sidecar_ids ORDER BY 1")
	if err != nil {
		return nil, errors.Wrap(err, "list sidecar nodes")
	}
	defer rows.Close()
	var nodes []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errors.Wrap(err, "scan sidecar node")
		}
		nodes = append(nodes, n)
	}
	return nodes, errors.Wrap(rows.Err(), "iterate sidecar nodes")
}
