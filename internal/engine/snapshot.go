package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/metrics"
	"github.com/23skdu/annbench/internal/schema"
)

const schemaFileName = "schema.json"

// ObjectRow is the parquet layout of one stored object.
type ObjectRow struct {
	ID         string    `parquet:"id"`
	Properties string    `parquet:"properties"`
	Vector     []float32 `parquet:"vector"`
}

// SnapshotPath returns the parquet file holding a class's objects under dir.
func SnapshotPath(dir, class string) string {
	return filepath.Join(dir, class+".parquet")
}

// Save writes the schema and one parquet file per class into dir.
func (db *Database) Save(dir string) error {
	start := time.Now()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return anerrors.WrapStorageError(err, "save", "create data directory")
	}

	db.mu.RLock()
	cols := make([]*collection, 0, len(db.collections))
	for _, c := range db.collections {
		cols = append(cols, c)
	}
	db.mu.RUnlock()

	classes := make([]schema.Class, 0, len(cols))
	total := 0
	for _, c := range cols {
		c.mu.Lock()
		class := c.class.Clone()
		objs := c.objectsByKey()
		c.mu.Unlock()

		if err := writeObjects(SnapshotPath(dir, class.Class), objs); err != nil {
			return anerrors.WrapStorageError(err, "save", "write objects").WithContext("class", class.Class)
		}
		classes = append(classes, class)
		total += len(objs)
	}

	body, err := json.MarshalIndent(classes, "", "  ")
	if err != nil {
		return anerrors.WrapStorageError(err, "save", "encode schema")
	}
	if err := writeFileAtomic(filepath.Join(dir, schemaFileName), func(w io.Writer) error {
		_, err := w.Write(body)
		return err
	}); err != nil {
		return anerrors.WrapStorageError(err, "save", "write schema")
	}

	metrics.SnapshotDurationSeconds.WithLabelValues("save").Observe(time.Since(start).Seconds())
	db.logger.Info("Snapshot saved",
		zap.String("dir", dir),
		zap.Int("classes", len(classes)),
		zap.Int("objects", total),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Load restores a snapshot written by Save. A directory without a schema file loads
// nothing. Classes already present in db are rejected.
func (db *Database) Load(dir string) error {
	start := time.Now()
	body, err := os.ReadFile(filepath.Join(dir, schemaFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return anerrors.WrapStorageError(err, "load", "read schema")
	}

	var classes []schema.Class
	if err := json.Unmarshal(body, &classes); err != nil {
		return anerrors.WrapStorageError(err, "load", "decode schema")
	}

	total := 0
	for _, class := range classes {
		if err := db.CreateClass(class); err != nil {
			return err
		}
		objs, err := readObjects(SnapshotPath(dir, class.Class))
		if err != nil {
			return anerrors.WrapStorageError(err, "load", "read objects").WithContext("class", class.Class)
		}
		errs, err := db.BatchPut(context.Background(), class.Class, objs)
		if err != nil {
			return err
		}
		for _, e := range errs {
			if e != nil {
				return anerrors.WrapStorageError(e, "load", "restore object").WithContext("class", class.Class)
			}
		}
		total += len(objs)
	}

	metrics.SnapshotDurationSeconds.WithLabelValues("load").Observe(time.Since(start).Seconds())
	db.logger.Info("Snapshot loaded",
		zap.String("dir", dir),
		zap.Int("classes", len(classes)),
		zap.Int("objects", total),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func writeObjects(path string, objs []*Object) error {
	rows := make([]ObjectRow, len(objs))
	for i, obj := range objs {
		props, err := json.Marshal(obj.Properties)
		if err != nil {
			return fmt.Errorf("encode properties of %s: %w", obj.ID, err)
		}
		rows[i] = ObjectRow{
			ID:         obj.ID.String(),
			Properties: string(props),
			Vector:     obj.Vector,
		}
	}

	return writeFileAtomic(path, func(w io.Writer) error {
		pw := parquet.NewGenericWriter[ObjectRow](w, parquet.Compression(&parquet.Zstd))
		if len(rows) > 0 {
			if _, err := pw.Write(rows); err != nil {
				_ = pw.Close()
				return err
			}
		}
		return pw.Close()
	})
}

func readObjects(path string) ([]Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, err
	}

	pr := parquet.NewGenericReader[ObjectRow](pf)
	defer func() { _ = pr.Close() }()

	rows := make([]ObjectRow, pr.NumRows())
	if err := readRows(pr, rows); err != nil {
		return nil, err
	}

	objs := make([]Object, len(rows))
	for i, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(row.Properties)))
		dec.UseNumber()
		var props map[string]any
		if err := dec.Decode(&props); err != nil {
			return nil, fmt.Errorf("row %d properties: %w", i, err)
		}
		objs[i] = Object{ID: id, Properties: props, Vector: row.Vector}
	}
	return objs, nil
}

// readRows fills rows completely or fails. A file whose footer promises more rows
// than its pages hold is truncated.
func readRows(r interface {
	Read([]ObjectRow) (int, error)
}, rows []ObjectRow) error {
	n := 0
	for n < len(rows) {
		m, err := r.Read(rows[n:])
		n += m
		if err == io.EOF || (err == nil && m == 0) {
			break
		}
		if err != nil {
			return err
		}
	}
	if n != len(rows) {
		return anerrors.NewStorageError("load",
			fmt.Sprintf("snapshot truncated: read %d of %d rows", n, len(rows))).
			WithContext("expected", len(rows)).
			WithContext("actual", n)
	}
	return nil
}

func writeFileAtomic(path string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
