package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
)

// BatchWriter streams whole games into one parquet file under dir/tmp and
// publishes it into dir on Finalize, so ReadSampleDir never sees a partial
// batch. Long self-play runs rotate writers instead of buffering rows.
type BatchWriter struct {
	dir  string
	name string

	f *os.File
	w *parquet.GenericWriter[SampleRow]

	games int
	rows  int
}

func NewBatchWriter(dir string) (*BatchWriter, error) {
	if dir == "" {
		return nil, errors.New("batch writer: empty directory")
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}

	b := &BatchWriter{dir: dir, name: fmt.Sprintf("selfplay_%d.parquet", time.Now().UnixNano())}
	f, err := os.Create(b.tmpPath())
	if err != nil {
		return nil, fmt.Errorf("open batch: %w", err)
	}
	b.f = f
	b.w = parquet.NewGenericWriter[SampleRow](f, writerOptions()...)
	return b, nil
}

func (b *BatchWriter) tmpPath() string { return filepath.Join(b.dir, "tmp", b.name) }

func (b *BatchWriter) OutPath() string { return filepath.Join(b.dir, b.name) }
func (b *BatchWriter) Rows() int       { return b.rows }
func (b *BatchWriter) Games() int      { return b.games }

// WriteGame appends the rows of one finished game. Empty games are ignored.
func (b *BatchWriter) WriteGame(rows []SampleRow) error {
	if b.w == nil {
		return errors.New("batch writer: already finalized")
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := b.w.Write(rows); err != nil {
		return fmt.Errorf("write game %s: %w", rows[0].GameID, err)
	}
	b.rows += len(rows)
	b.games++
	return nil
}

// close flushes the parquet footer and the file. It is safe to call twice.
func (b *BatchWriter) close() error {
	if b.w == nil {
		return nil
	}
	err := b.w.Close()
	b.w = nil
	if err == nil {
		err = b.f.Sync()
	}
	if cerr := b.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Finalize closes the batch and moves it into place, returning its path and
// counts. A batch without rows is deleted and reported with an empty path.
// Calling Finalize again is a no-op.
func (b *BatchWriter) Finalize() (outPath string, rows int, games int, err error) {
	if b.w == nil {
		return "", 0, 0, nil
	}
	if err := b.close(); err != nil {
		_ = os.Remove(b.tmpPath())
		return "", 0, 0, fmt.Errorf("close batch: %w", err)
	}
	if b.rows == 0 {
		_ = os.Remove(b.tmpPath())
		return "", 0, 0, nil
	}
	if err := os.Rename(b.tmpPath(), b.OutPath()); err != nil {
		return "", 0, 0, fmt.Errorf("publish batch: %w", err)
	}
	return b.OutPath(), b.rows, b.games, nil
}
