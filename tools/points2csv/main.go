// Command points2csv converts sample-point JSON files (expert or solver
// games) into training CSVs. Each input file becomes a CSV of the same base
// name in the output directory.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tiezero/tiezero/store"
)

func main() {
	inDir := flag.String("in-dir", "", "directory containing sample-point JSON files")
	outDir := flag.String("out-dir", "", "directory for the converted CSVs")
	playerType := flag.String("player-type", "Human", "player_type column value")
	overwrite := flag.Bool("overwrite", false, "replace CSVs that already exist")
	flag.Parse()

	if *inDir == "" || *outDir == "" {
		die("-in-dir and -out-dir are required")
	}
	absIn, _ := filepath.Abs(*inDir)
	absOut, _ := filepath.Abs(*outDir)
	if absIn == absOut {
		die("out-dir must be different from in-dir")
	}
	if err := os.MkdirAll(absOut, 0o755); err != nil {
		die("create out-dir: %v", err)
	}

	var inputs []string
	_ = filepath.WalkDir(absIn, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
			inputs = append(inputs, path)
		}
		return nil
	})
	if len(inputs) == 0 {
		die("no .json files under %s", absIn)
	}

	converted, skipped, failed := 0, 0, 0
	for _, inPath := range inputs {
		stem := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
		outPath := filepath.Join(absOut, stem+".csv")
		if !*overwrite {
			if _, err := os.Stat(outPath); err == nil {
				skipped++
				continue
			}
		}
		if err := convertOne(inPath, outPath, stem+"-", *playerType); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "convert %s: %v\n", inPath, err)
			continue
		}
		converted++
	}

	fmt.Fprintf(os.Stderr, "done: converted=%d skipped=%d failed=%d (in=%d)\n", converted, skipped, failed, len(inputs))
	if failed > 0 {
		os.Exit(1)
	}
}

func convertOne(inPath, outPath, prefix, playerType string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	pts, err := store.ReadSamplePoints(in)
	in.Close()
	if err != nil {
		return err
	}
	recs, err := store.RecordsFromPoints(pts, prefix, playerType)
	if err != nil {
		return err
	}

	tmp := outPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := store.WriteTrainingCSV(out, recs); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, outPath)
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
