package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// QueryParams narrows a query.
type QueryParams struct {
	// Where holds the WHERE clause without the keyword, e.g. "slot = ?".
	Where string
	Args  []any

	// OrderBy holds the ORDER BY clause without the keywords.
	OrderBy string

	// Limit of 0 means no limit.
	Limit  int
	Offset int
}

// DataReader reads records back into their structs.
type DataReader interface {
	// MapTable tells the reader which struct a table holds.
	MapTable(tableName string, sampleEntry any)

	// Query returns pointers to the matching records and the number of
	// records that match without limit and offset.
	Query(ctx context.Context, tableName string, params QueryParams) (
		results []any,
		totalCount int,
		err error,
	)

	Close() error
}

type sqliteReader struct {
	db      *sql.DB
	typeMap map[string]reflect.Type
}

// NewReader opens a database file for reading.
func NewReader(filename string) (DataReader, error) {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", filename)
	}

	return NewReaderWithDB(db), nil
}

// NewReaderWithDB creates a reader on an open database.
func NewReaderWithDB(db *sql.DB) DataReader {
	return &sqliteReader{
		db:      db,
		typeMap: make(map[string]reflect.Type),
	}
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	r.typeMap[tableName] = reflect.TypeOf(sampleEntry)
}

func (p QueryParams) filter() string {
	if p.Where == "" {
		return ""
	}

	return " WHERE " + p.Where
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	params QueryParams,
) ([]any, int, error) {
	structType, ok := r.typeMap[tableName]
	if !ok {
		return nil, 0, errors.Errorf("no mapping for table %s", tableName)
	}

	var total int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+quoteIdent(tableName)+params.filter(),
		params.Args...).Scan(&total)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "count %s", tableName)
	}

	query := "SELECT * FROM " + quoteIdent(tableName) + params.filter()
	if params.OrderBy != "" {
		query += " ORDER BY " + params.OrderBy
	}

	if params.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", params.Limit, params.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, params.Args...)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "query %s", tableName)
	}
	defer rows.Close()

	results, err := scanRows(rows, structType)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "scan %s", tableName)
	}

	return results, total, nil
}

// columnName returns the column a field is stored in, which is its structs
// tag name when it has one.
func columnName(f reflect.StructField) string {
	tag := f.Tag.Get("structs")
	if tag == "" {
		return f.Name
	}

	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			return tag[:i]
		}
	}

	return tag
}

func scanRows(rows *sql.Rows, structType reflect.Type) ([]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	fields := make(map[string]int)
	for i := 0; i < structType.NumField(); i++ {
		fields[columnName(structType.Field(i))] = i
	}

	var results []any

	for rows.Next() {
		ptr := reflect.New(structType)
		targets := make([]any, len(columns))

		for i, col := range columns {
			idx, ok := fields[col]
			if !ok {
				var discard any
				targets[i] = &discard

				continue
			}

			targets[i] = ptr.Elem().Field(idx).Addr().Interface()
		}

		err = rows.Scan(targets...)
		if err != nil {
			return nil, err
		}

		results = append(results, ptr.Interface())
	}

	return results, rows.Err()
}

func (r *sqliteReader) Close() error {
	return r.db.Close()
}
