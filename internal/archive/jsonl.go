// Package archive exports the local record cache to JSONL and imports it
// back, one record per line.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/recordstore"
)

// maxLineBytes bounds one JSONL line; notes are short so records are small.
const maxLineBytes = 1 << 20

// Source lists records to export. *recordstore.Store implements it.
type Source interface {
	Query(ctx context.Context, f recordstore.Filter) []model.EmotionRecord
}

// Sink receives imported records. *recordstore.Store implements it.
type Sink interface {
	Get(ctx context.Context, id string) (model.EmotionRecord, error)
	Put(ctx context.Context, r model.EmotionRecord) error
}

// ImportOptions controls Import.
type ImportOptions struct {
	// Overwrite replaces records already cached. Otherwise they are skipped.
	Overwrite bool

	// DryRun validates and counts without writing.
	DryRun bool
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Imported int
	Skipped  int
	Invalid  int
	Errors   []string
}

// Write encodes records to w, one per line.
func Write(w io.Writer, records []model.EmotionRecord) error {
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("failed to encode %s: %w", records[i].ID, err)
		}
	}
	return nil
}

// Read decodes every line of r. Blank lines are ignored.
func Read(r io.Reader) ([]model.EmotionRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	var (
		out  []model.EmotionRecord
		line int
	)
	for sc.Scan() {
		line++
		data := sc.Bytes()
		if len(data) == 0 {
			continue
		}
		var rec model.EmotionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read line %d: %w", line+1, err)
	}
	return out, nil
}

// ExportFile writes the records matching f to path atomically and returns
// how many were written.
func ExportFile(ctx context.Context, src Source, f recordstore.Filter, path string) (int, error) {
	records := src.Query(ctx, f)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	bw := bufio.NewWriter(file)
	err = Write(bw, records)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return len(records), nil
}

// Import reads r and stores each valid record as local content still owed
// to the server. A record keeps its RemoteVersion so an unchanged copy is
// recognised by the server instead of written again.
func Import(ctx context.Context, dst Sink, r io.Reader, opts ImportOptions) (ImportResult, error) {
	var res ImportResult

	records, err := Read(r)
	if err != nil {
		return res, err
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := rec.Validate(); err != nil {
			res.Invalid++
			res.Errors = append(res.Errors, err.Error())
			continue
		}

		_, err := dst.Get(ctx, rec.ID)
		exists := err == nil
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return res, fmt.Errorf("failed to look up %s: %w", rec.ID, err)
		}
		if exists && !opts.Overwrite {
			res.Skipped++
			continue
		}

		rec.Touch()
		if opts.DryRun {
			res.Imported++
			continue
		}
		if err := dst.Put(ctx, rec); err != nil {
			return res, fmt.Errorf("failed to store %s: %w", rec.ID, err)
		}
		res.Imported++
	}
	return res, nil
}

// ImportFile is Import reading from path.
func ImportFile(ctx context.Context, dst Sink, path string, opts ImportOptions) (ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return Import(ctx, dst, file, opts)
}

// BackupName returns a timestamped file name for an export taken at t.
func BackupName(t time.Time) string {
	return "emotions-" + t.UTC().Format("20060102-150405") + ".jsonl"
}
