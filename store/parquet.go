// Package store reads and writes game records: the parquet archive of
// self-play samples, the per-move training CSV and sample-point JSON.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

const sampleSchema = "tiezero_sample_v1"

// SampleRow is one self-play move kept for later training.
//
// The position is stored raw rather than as features so that any encoder can
// be trained from it. Board holds the 19 tile codes (100a+10b+c, 0 empty)
// before the move and Tile the code of the tile placed. Policy is the
// search's visit distribution over cells and Value the normalized final
// return of the game in [-1, 1].
type SampleRow struct {
	GameID     string    `parquet:"game_id,dict"`
	Turn       int32     `parquet:"turn"`
	Board      []int32   `parquet:"board"`
	Tile       int32     `parquet:"tile"`
	Cell       int32     `parquet:"cell"`
	Policy     []float32 `parquet:"policy"`
	Value      float32   `parquet:"value"`
	FinalScore int32     `parquet:"final_score"`
	Source     string    `parquet:"source,dict"`

	// ModelPath is the checkpoint stem that played the game.
	ModelPath string `parquet:"model_path,dict,optional"`
}

func writerOptions() []parquet.WriterOption {
	return []parquet.WriterOption{
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata("schema", sampleSchema),
	}
}

// WriteSamples writes rows to outPath through a temporary sibling so readers
// never observe a partial file.
func WriteSamples(outPath string, rows []SampleRow) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := outPath + ".tmp"
	_ = os.Remove(tmpPath)

	if err := parquet.WriteFile(tmpPath, rows, writerOptions()...); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write parquet: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename parquet: %w", err)
	}
	return nil
}

// WriteSamplesAtomic writes a new batch file into outDir/tmp and moves it
// into outDir. It returns the final path.
func WriteSamplesAtomic(outDir string, rows []SampleRow) (string, error) {
	tmpDir := filepath.Join(outDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}

	name := fmt.Sprintf("batch_%d.parquet", time.Now().UnixNano())
	finalPath := filepath.Join(outDir, name)
	tmpPath := filepath.Join(tmpDir, name+".tmp")
	_ = os.Remove(tmpPath)

	if err := parquet.WriteFile(tmpPath, rows, writerOptions()...); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write parquet: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename parquet: %w", err)
	}
	return finalPath, nil
}

// ReadSamples loads every row of one parquet file.
func ReadSamples(path string) ([]SampleRow, error) {
	rows, err := parquet.ReadFile[SampleRow](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	return rows, nil
}

// ReadSampleDir loads every finished batch in dir, oldest name first.
// Files still under dir/tmp are ignored.
func ReadSampleDir(dir string) ([]SampleRow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sample dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".parquet") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []SampleRow
	for _, name := range names {
		rows, err := ReadSamples(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}
