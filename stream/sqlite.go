package stream

import (
	"database/sql"
	"embed"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emfacilities/emfac/db"
	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/internal/clock"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/sym"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Mode selects how OpenSQLite treats an existing file.
type Mode int

const (
	// ModeRead opens an existing set without write access.
	ModeRead Mode = iota
	// ModeCreate starts a fresh set, discarding any previous file.
	ModeCreate
	// ModeAppend reopens a set for further appends, creating it if missing.
	ModeAppend
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeAppend:
		return "append"
	default:
		return "read"
	}
}

const (
	propState       = "stream_state"
	propMaxID       = "max_id"
	propMTime       = "mtime"
	propAcquisition = "acquisition"
	propKind        = "kind"
)

// SQLite is a streaming set persisted in a single SQLite file
// (<run>/<type>.sqlite). Each instance owns its handle.
type SQLite struct {
	path  string
	name  string
	kind  Kind
	mode  Mode
	db    *sql.DB
	clock clock.Clock
	log   *zap.SugaredLogger
}

// OpenSQLite opens the set stored at path. kind may be empty for ModeRead,
// in which case it is taken from the file.
func OpenSQLite(path string, kind Kind, mode Mode, log *zap.SugaredLogger) (*SQLite, error) {
	log = logger.OrNop(log).Named("stream")

	var (
		handle *sql.DB
		err    error
	)
	switch mode {
	case ModeRead:
		handle, err = db.OpenReadOnly(path, log)
	case ModeCreate:
		if rmErr := removeSQLite(path); rmErr != nil {
			return nil, rmErr
		}
		handle, err = openMigrated(path, log)
	case ModeAppend:
		handle, err = openMigrated(path, log)
	default:
		return nil, errors.Newf("unknown set mode %d", mode)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open set %s (%s)", path, mode)
	}

	s := &SQLite{
		path:  path,
		name:  setName(path),
		mode:  mode,
		db:    handle,
		clock: clock.Real(),
		log:   log,
	}
	if err := s.resolveKind(kind); err != nil {
		handle.Close()
		return nil, err
	}

	log.Debugw("Set opened",
		logger.FieldSet, s.name,
		logger.FieldPath, path,
		"mode", mode.String(),
		logger.FieldSymbol, sym.Set,
	)
	return s, nil
}

func openMigrated(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "locate set migrations")
	}
	return db.OpenWithMigrations(path, sub, log)
}

func removeSQLite(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove %s", p)
		}
	}
	return nil
}

func (s *SQLite) resolveKind(kind Kind) error {
	stored, ok, err := s.property(propKind)
	if err != nil {
		return err
	}
	switch {
	case ok && kind != "" && Kind(stored) != kind:
		return errors.NewSchemaViolation("set %s holds %s items, opened as %s", s.name, stored, kind)
	case ok:
		s.kind = Kind(stored)
	case kind == "":
		if s.mode != ModeRead {
			return errors.NewInvalidParameter("kind", "a writable set needs an item kind")
		}
	default:
		s.kind = kind
		if s.mode != ModeRead {
			return s.setProperty(s.db, propKind, string(kind))
		}
	}
	return nil
}

// SetClock replaces the clock used for creation and modification times.
func (s *SQLite) SetClock(c clock.Clock) { s.clock = clock.OrReal(c) }

// Path returns the backing file path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Name() string { return s.name }
func (s *SQLite) Kind() Kind   { return s.kind }

func (s *SQLite) Size() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM objects").Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count %s", s.name)
	}
	return n, nil
}

func (s *SQLite) State() (State, error) {
	v, _, err := s.property(propState)
	if err != nil {
		return StateOpen, err
	}
	return ParseState(v), nil
}

func (s *SQLite) Closed() (bool, error) {
	st, err := s.State()
	return st == StateClosed, err
}

func (s *SQLite) MTime() (time.Time, error) {
	v, ok, err := s.property(propMTime)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse mtime of %s", s.name)
	}
	return t, nil
}

func (s *SQLite) IDs() ([]int64, error) {
	rows, err := s.db.Query("SELECT id FROM objects ORDER BY id")
	if err != nil {
		return nil, errors.Wrapf(err, "list ids of %s", s.name)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate ids")
}

func (s *SQLite) Get(id int64) (Item, error) {
	row := s.db.QueryRow("SELECT id, created_at, kind, payload FROM objects WHERE id = ?", id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, errors.Wrapf(errors.ErrNotFound, "item %d in set %s", id, s.name)
	}
	return it, err
}

func (s *SQLite) Iter(q Query) ([]Item, error) {
	query := "SELECT id, created_at, kind, payload FROM objects WHERE id > ?"
	switch q.Order {
	case OrderByIDDesc:
		query += " ORDER BY id DESC"
	case OrderByCreated:
		query += " ORDER BY created_at, id"
	default:
		query += " ORDER BY id"
	}

	rows, err := s.db.Query(query, q.AfterID)
	if err != nil {
		return nil, errors.Wrapf(err, "iterate %s", s.name)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate %s", s.name)
	}
	// Where and Limit are applied in Go; ordering is already done by SQLite
	q.AfterID = 0
	return applyQuery(items, q), nil
}

func (s *SQLite) Info() (Acquisition, error) {
	var info Acquisition
	v, ok, err := s.property(propAcquisition)
	if err != nil || !ok {
		return info, err
	}
	if err := json.Unmarshal([]byte(v), &info); err != nil {
		return info, errors.Wrapf(err, "decode acquisition of %s", s.name)
	}
	return info, nil
}

func (s *SQLite) Append(item Item) (Item, error) {
	if s.mode == ModeRead {
		return Item{}, errors.Newf("set %s is open read-only", s.name)
	}
	if err := checkKind(s.name, s.kind, item); err != nil {
		return Item{}, err
	}
	payload, err := EncodePayload(item.Payload)
	if err != nil {
		return Item{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Item{}, errors.Wrapf(err, "begin append to %s", s.name)
	}
	defer tx.Rollback()

	state, _, err := propertyTx(tx, propState)
	if err != nil {
		return Item{}, err
	}
	if ParseState(state) == StateClosed {
		return Item{}, errors.Wrapf(errors.ErrSetClosed, "append to %s", s.name)
	}

	maxID, err := s.maxID(tx)
	if err != nil {
		return Item{}, err
	}
	switch {
	case item.ID == 0:
		item.ID = maxID + 1
	case item.ID <= maxID:
		return Item{}, errors.NewSchemaViolation("set %s: id %d not above watermark %d", s.name, item.ID, maxID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.clock.Now()
	}

	if _, err := tx.Exec(
		"INSERT INTO objects (id, created_at, kind, payload) VALUES (?, ?, ?, ?)",
		item.ID, item.CreatedAt.UTC().Format(time.RFC3339Nano), string(item.Kind()), string(payload),
	); err != nil {
		return Item{}, errors.Wrapf(err, "insert item %d into %s", item.ID, s.name)
	}
	if err := s.setProperty(tx, propMaxID, strconv.FormatInt(item.ID, 10)); err != nil {
		return Item{}, err
	}
	if err := s.touch(tx); err != nil {
		return Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return Item{}, errors.Wrapf(err, "commit append to %s", s.name)
	}
	return item, nil
}

func (s *SQLite) CopyInfo(other Reader) error {
	info, err := other.Info()
	if err != nil {
		return errors.Wrapf(err, "read acquisition of %s", other.Name())
	}
	return s.SetInfo(info)
}

// SetInfo stores acquisition metadata directly.
func (s *SQLite) SetInfo(info Acquisition) error {
	data, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "encode acquisition")
	}
	return s.setProperty(s.db, propAcquisition, string(data))
}

func (s *SQLite) SetState(st State) error {
	if s.mode == ModeRead {
		return errors.Newf("set %s is open read-only", s.name)
	}
	current, err := s.State()
	if err != nil {
		return err
	}
	if current == StateClosed && st == StateOpen {
		return errors.Wrapf(errors.ErrSetClosed, "reopen %s", s.name)
	}
	if current == st {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin state change of %s", s.name)
	}
	defer tx.Rollback()
	if err := s.setProperty(tx, propState, st.String()); err != nil {
		return err
	}
	if err := s.touch(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit state change of %s", s.name)
	}
	s.log.Debugw("Set state changed", logger.FieldSet, s.name, logger.FieldState, st.String(), logger.FieldSymbol, sym.Set)
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Wrapf(err, "close set %s", s.name)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *SQLite) property(key string) (string, bool, error) {
	return propertyTx(s.db, key)
}

func propertyTx(q execer, key string) (string, bool, error) {
	var v string
	err := q.QueryRow("SELECT value FROM properties WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "read property %s", key)
	}
	return v, true, nil
}

func (s *SQLite) setProperty(q execer, key, value string) error {
	_, err := q.Exec(
		"INSERT INTO properties (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return errors.Wrapf(err, "write property %s of %s", key, s.name)
}

func (s *SQLite) maxID(q execer) (int64, error) {
	v, ok, err := propertyTx(q, propMaxID)
	if err != nil || !ok {
		return 0, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse max_id of %s", s.name)
	}
	return id, nil
}

// touch advances mtime strictly, even when the clock has not moved.
func (s *SQLite) touch(q execer) error {
	now := s.clock.Now().UTC()
	if v, ok, err := propertyTx(q, propMTime); err != nil {
		return err
	} else if ok {
		if prev, perr := time.Parse(time.RFC3339Nano, v); perr == nil && !now.After(prev) {
			now = prev.Add(time.Nanosecond)
		}
	}
	return s.setProperty(q, propMTime, now.Format(time.RFC3339Nano))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (Item, error) {
	var (
		id      int64
		created string
		kind    string
		payload string
	)
	if err := row.Scan(&id, &created, &kind, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, err
		}
		return Item{}, errors.Wrap(err, "scan item")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Item{}, errors.Wrapf(err, "parse created_at of item %d", id)
	}
	p, err := DecodePayload(Kind(kind), []byte(payload))
	if err != nil {
		return Item{}, errors.Wrapf(err, "item %d", id)
	}
	return Item{ID: id, CreatedAt: createdAt, Payload: p}, nil
}

func setName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".sqlite")
}
