// Command archive2csv exports a self-play parquet archive as a training CSV
// so archived games can be mixed with recorded ones.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tiezero/tiezero/store"
)

func main() {
	inDir := flag.String("in-dir", "", "directory containing archive parquet batches")
	out := flag.String("out", "", "training CSV to write")
	playerType := flag.String("player-type", "MCTS", "player_type column value")
	minScore := flag.Int("min-score", 0, "drop games scoring below this")
	flag.Parse()

	if *inDir == "" || *out == "" {
		die("-in-dir and -out are required")
	}

	rows, err := store.ReadSampleDir(*inDir)
	if err != nil {
		die("read archive: %v", err)
	}
	kept := rows[:0]
	for _, r := range rows {
		if int(r.FinalScore) >= *minScore {
			kept = append(kept, r)
		}
	}
	recs, err := store.RecordsFromSamples(kept, *playerType)
	if err != nil {
		die("convert: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		die("create out dir: %v", err)
	}
	tmp := *out + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		die("create %s: %v", tmp, err)
	}
	if err := store.WriteTrainingCSV(f, recs); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		die("write csv: %v", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		die("close csv: %v", err)
	}
	if err := os.Rename(tmp, *out); err != nil {
		_ = os.Remove(tmp)
		die("rename %s -> %s: %v", tmp, *out, err)
	}
	fmt.Fprintf(os.Stderr, "done: rows=%d kept=%d out=%s\n", len(rows), len(recs), *out)
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
