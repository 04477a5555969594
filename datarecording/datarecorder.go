// Package datarecording stores slot diagnostics and state transitions in a
// SQLite database.
package datarecording

import (
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fatih/structs"
	"github.com/pkg/errors"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// ErrUnsupportedField is returned for record structs with fields that do not
// map onto a column.
var ErrUnsupportedField = errors.New("unsupported field type")

// DataRecorder buffers records and writes them to tables in batches.
type DataRecorder interface {
	// CreateTable creates a table whose columns are the fields of
	// sampleEntry.
	CreateTable(tableName string, sampleEntry any) error

	// InsertData buffers an entry for a table created before.
	InsertData(tableName string, entry any) error

	// ListTables returns the names of the tables created so far.
	ListTables() []string

	// Flush writes all buffered entries.
	Flush() error

	// Close flushes and closes the database.
	Close() error
}

// DefaultBatchSize is the number of buffered entries that triggers a flush.
const DefaultBatchSize = 10000

// New creates a recorder writing to path.sqlite3. An empty path picks a
// unique name. The file must not exist yet.
func New(path string) (DataRecorder, error) {
	if path == "" {
		path = "slotreset_" + xid.New().String()
	}

	filename := path + ".sqlite3"

	_, err := os.Stat(filename)
	if err == nil {
		return nil, errors.Errorf("file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", filename)
	}

	fmt.Fprintf(os.Stderr, "Database created for recording: %s\n", filename)

	return NewWithDB(db), nil
}

// NewWithDB creates a recorder on an open database. The recorder is flushed
// when the program exits through atexit.
func NewWithDB(db *sql.DB) DataRecorder {
	w := &sqliteWriter{
		db:        db,
		batchSize: DefaultBatchSize,
		tables:    make(map[string]*table),
	}

	atexit.Register(func() { _ = w.Flush() })

	return w
}

type table struct {
	structType reflect.Type
	columns    []string
	entries    []any
}

type sqliteWriter struct {
	lock sync.Mutex
	db   *sql.DB

	tables     map[string]*table
	order      []string
	batchSize  int
	entryCount int
}

func allowedKind(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Uint64,
		reflect.Float32,
		reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func checkFields(t reflect.Type) error {
	if t.Kind() != reflect.Struct {
		return errors.Wrapf(ErrUnsupportedField, "%s is not a struct", t)
	}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || !allowedKind(f.Type.Kind()) {
			return errors.Wrapf(ErrUnsupportedField, "%s.%s", t, f.Name)
		}
	}

	return nil
}

// columnNames lists the columns of an entry in field order. A field is stored
// under its structs tag name when it has one.
func columnNames(entry any) []string {
	fields := structs.New(entry).Fields()
	names := make([]string, 0, len(fields))

	for _, f := range fields {
		name, _, _ := strings.Cut(f.Tag("structs"), ",")
		if name == "" {
			name = f.Name()
		}

		names = append(names, name)
	}

	return names
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (w *sqliteWriter) CreateTable(tableName string, sampleEntry any) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	st := reflect.TypeOf(sampleEntry)

	err := checkFields(st)
	if err != nil {
		return err
	}

	if _, ok := w.tables[tableName]; ok {
		return errors.Errorf("table %s already exists", tableName)
	}

	columns := columnNames(sampleEntry)

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}

	_, err = w.db.Exec(`CREATE TABLE ` + quoteIdent(tableName) +
		` (` + "\n\t" + strings.Join(quoted, ", \n\t") + "\n" + `);`)
	if err != nil {
		return errors.Wrapf(err, "create table %s", tableName)
	}

	w.tables[tableName] = &table{structType: st, columns: columns}
	w.order = append(w.order, tableName)

	return nil
}

func (w *sqliteWriter) InsertData(tableName string, entry any) error {
	w.lock.Lock()

	t, ok := w.tables[tableName]
	if !ok {
		w.lock.Unlock()
		return errors.Errorf("table %s does not exist", tableName)
	}

	if reflect.TypeOf(entry) != t.structType {
		w.lock.Unlock()
		return errors.Errorf("table %s stores %s, not %T",
			tableName, t.structType, entry)
	}

	t.entries = append(t.entries, entry)
	w.entryCount++
	full := w.entryCount >= w.batchSize
	w.lock.Unlock()

	if full {
		return w.Flush()
	}

	return nil
}

func (w *sqliteWriter) ListTables() []string {
	w.lock.Lock()
	defer w.lock.Unlock()

	return append([]string(nil), w.order...)
}

func (w *sqliteWriter) Flush() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.entryCount == 0 {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}

	for _, name := range w.order {
		err = w.flushTable(tx, name, w.tables[name])
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	err = tx.Commit()
	if err != nil {
		return errors.Wrap(err, "commit")
	}

	for _, t := range w.tables {
		t.entries = nil
	}

	w.entryCount = 0

	return nil
}

func (w *sqliteWriter) flushTable(tx *sql.Tx, name string, t *table) error {
	if len(t.entries) == 0 {
		return nil
	}

	quoted := make([]string, len(t.columns))
	for i, c := range t.columns {
		quoted[i] = quoteIdent(c)
	}

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)), ", ")

	stmt, err := tx.Prepare("INSERT INTO " + quoteIdent(name) +
		" (" + strings.Join(quoted, ", ") + ") VALUES (" + marks + ")")
	if err != nil {
		return errors.Wrapf(err, "prepare insert into %s", name)
	}
	defer stmt.Close()

	for _, e := range t.entries {
		_, err = stmt.Exec(structs.Values(e)...)
		if err != nil {
			return errors.Wrapf(err, "insert into %s", name)
		}
	}

	return nil
}

func (w *sqliteWriter) Close() error {
	err := w.Flush()
	if err != nil {
		return err
	}

	return w.db.Close()
}
