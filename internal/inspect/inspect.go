// Package inspect runs analytical SQL over persisted class snapshots with DuckDB.
package inspect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/array"
	duckdb "github.com/marcboeker/go-duckdb"

	"github.com/23skdu/annbench/internal/engine"
	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/schema"
)

// Result is a fully materialised query result. Values are rendered as strings.
type Result struct {
	Columns []string
	Rows    [][]string
}

// Inspector queries the snapshots under a data directory.
type Inspector struct {
	dataPath string
}

// New returns an Inspector for the snapshots written under dataPath.
func New(dataPath string) *Inspector {
	return &Inspector{dataPath: dataPath}
}

// QueryReader exposes the class snapshot as a view named after the class and runs query
// against it. The caller must call cleanup when done with the reader.
func (i *Inspector) QueryReader(ctx context.Context, class, query string) (array.RecordReader, func(), error) {
	if !schema.ValidClassName(class) {
		return nil, nil, anerrors.NewValidationError("inspect", fmt.Sprintf("invalid class name %q", class))
	}
	path := engine.SnapshotPath(i.dataPath, class)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, anerrors.CollectionNotFound("inspect", class).WithContext("path", path)
		}
		return nil, nil, anerrors.WrapStorageError(err, "inspect", "stat snapshot")
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	// The Arrow interface needs the driver connection the view is created on.
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to open conn: %w", err)
	}

	var ar *duckdb.Arrow
	err = conn.Raw(func(c interface{}) error {
		dc, ok := c.(driver.Conn)
		if !ok {
			return fmt.Errorf("not a duckdb driver connection")
		}
		var err error
		ar, err = duckdb.NewArrowFromConn(dc)
		return err
	})
	if err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init arrow: %w", err)
	}

	createView := fmt.Sprintf(`CREATE VIEW "%s" AS SELECT * FROM read_parquet('%s')`,
		class, strings.ReplaceAll(path, "'", "''"))
	if _, err := conn.ExecContext(ctx, createView); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create view for snapshot: %w", err)
	}

	rdr, err := ar.QueryContext(ctx, query)
	if err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, nil, anerrors.WrapQueryError(err, "inspect", "query execution failed").WithContext("query", query)
	}

	cleanup := func() {
		rdr.Release()
		_ = conn.Close()
		_ = db.Close()
	}
	return rdr, cleanup, nil
}

// Query runs query against the class snapshot and collects every row.
func (i *Inspector) Query(ctx context.Context, class, query string) (*Result, error) {
	rdr, cleanup, err := i.QueryReader(ctx, class, query)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	res := &Result{}
	for _, f := range rdr.Schema().Fields() {
		res.Columns = append(res.Columns, f.Name)
	}
	for rdr.Next() {
		rec := rdr.Record()
		for row := 0; row < int(rec.NumRows()); row++ {
			vals := make([]string, rec.NumCols())
			for col := range vals {
				arr := rec.Column(col)
				if arr.IsNull(row) {
					vals[col] = "NULL"
					continue
				}
				// ValueStr may alias Arrow buffers that cleanup releases.
				vals[col] = strings.Clone(arr.ValueStr(row))
			}
			res.Rows = append(res.Rows, vals)
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, anerrors.WrapQueryError(err, "inspect", "read results")
	}
	return res, nil
}
