// Package exports materialises ledger snapshots for reporting pipelines:
// per-program CSV and Parquet files of reserve entries and placements,
// written into a timestamped run directory together with a blake3 checksum
// manifest. A retention sweep removes run directories older than the
// configured horizon.
package exports

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"lukechampine.com/blake3"

	"uptree/observability"
	"uptree/plan"
	"uptree/storage"
)

// Datasets written per program on every run.
const (
	DatasetReserveEntries = "reserve_entries"
	DatasetPlacements     = "placements"
)

// Formats every dataset is rendered in.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

const (
	runDirLayout = "20060102T150405Z"
	manifestName = "manifest.json"
)

// Config wires the runner's dependencies. Store and Dir are required.
type Config struct {
	Store *storage.Store
	// Dir is the root under which run directories are created.
	Dir string
	// RetentionDays bounds how long run directories are kept. Zero disables
	// the sweep.
	RetentionDays int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Runner produces snapshot runs on demand and sweeps expired ones. It is
// safe for concurrent use; runs landing in the same second share a run
// directory, which is harmless because file writes are whole-file creates.
type Runner struct {
	store     *storage.Store
	dir       string
	retention int
	now       func() time.Time
	log       *slog.Logger
}

// File describes one artefact of a run. Path is relative to the export root
// so manifests stay valid when the root is copied elsewhere.
type File struct {
	Dataset  string `json:"dataset"`
	Program  string `json:"program"`
	Format   string `json:"format"`
	Path     string `json:"path"`
	Rows     int    `json:"rows"`
	Checksum string `json:"checksum"`
}

// Manifest summarises a completed run. It is returned to admin callers and
// persisted as manifest.json inside the run directory.
type Manifest struct {
	RunDir      string    `json:"runDir"`
	GeneratedAt time.Time `json:"generatedAt"`
	Files       []File    `json:"files"`
	Pruned      int       `json:"pruned"`
}

// NewRunner validates the configuration and builds a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		return nil, errors.New("exports: store is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("exports: output dir is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		store:     cfg.Store,
		dir:       cfg.Dir,
		retention: cfg.RetentionDays,
		now:       now,
		log:       log,
	}, nil
}

// Run writes one snapshot of every program's reserve entries and placements,
// sweeps expired run directories, and persists the manifest.
func (r *Runner) Run(ctx context.Context) (*Manifest, error) {
	started := r.now().UTC()
	runName := started.Format(runDirLayout)
	runDir := filepath.Join(r.dir, runName)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("exports: ensure run dir: %w", err)
	}

	manifest := &Manifest{RunDir: runDir, GeneratedAt: started}
	for _, program := range plan.Programs() {
		var entries []storage.ReserveEntry
		if err := r.store.DB().WithContext(ctx).
			Where("program = ?", program.String()).
			Order("created_at, id").
			Find(&entries).Error; err != nil {
			return nil, fmt.Errorf("exports: load %s reserve entries: %w", program, err)
		}
		files, err := r.writeDataset(runDir, runName, program, DatasetReserveEntries, len(entries),
			func(path string) error { return writeReserveEntryCSV(path, entries) },
			func(path string) error { return writeReserveEntryParquet(path, entries) },
		)
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, files...)

		var placements []storage.Placement
		if err := r.store.DB().WithContext(ctx).
			Where("program = ?", program.String()).
			Order("created_at, id").
			Find(&placements).Error; err != nil {
			return nil, fmt.Errorf("exports: load %s placements: %w", program, err)
		}
		files, err = r.writeDataset(runDir, runName, program, DatasetPlacements, len(placements),
			func(path string) error { return writePlacementCSV(path, placements) },
			func(path string) error { return writePlacementParquet(path, placements) },
		)
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, files...)
	}

	pruned, err := r.sweep(started)
	if err != nil {
		r.log.Warn("export retention sweep failed", "error", err)
	}
	manifest.Pruned = pruned

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("exports: encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, manifestName), data, 0o644); err != nil {
		return nil, fmt.Errorf("exports: write manifest: %w", err)
	}

	r.log.Info("export run complete",
		"dir", runDir,
		"files", len(manifest.Files),
		"pruned", manifest.Pruned,
	)
	return manifest, nil
}

// writeDataset renders one dataset in both formats and returns the manifest
// entries. Row counts are reported once per dataset, not per format.
func (r *Runner) writeDataset(runDir, runName string, program plan.Program, dataset string, rows int, writeCSV, writeParquet func(string) error) ([]File, error) {
	base := fmt.Sprintf("%s_%s", program, dataset)
	files := make([]File, 0, 2)

	csvPath := filepath.Join(runDir, base+".csv")
	if err := r.timed(FormatCSV, csvPath, writeCSV); err != nil {
		return nil, err
	}
	entry, err := manifestEntry(dataset, program, FormatCSV, runName, csvPath, rows)
	if err != nil {
		return nil, err
	}
	files = append(files, entry)

	parquetPath := filepath.Join(runDir, base+".parquet")
	if err := r.timed(FormatParquet, parquetPath, writeParquet); err != nil {
		return nil, err
	}
	entry, err = manifestEntry(dataset, program, FormatParquet, runName, parquetPath, rows)
	if err != nil {
		return nil, err
	}
	files = append(files, entry)

	observability.Exports().AddRows(dataset, rows)
	return files, nil
}

func (r *Runner) timed(format, path string, write func(string) error) error {
	started := time.Now()
	err := write(path)
	observability.Exports().ObserveSnapshot(format, time.Since(started), err)
	return err
}

func manifestEntry(dataset string, program plan.Program, format, runName, path string, rows int) (File, error) {
	checksum, err := checksumFile(path)
	if err != nil {
		return File{}, err
	}
	return File{
		Dataset:  dataset,
		Program:  program.String(),
		Format:   format,
		Path:     filepath.Join(runName, filepath.Base(path)),
		Rows:     rows,
		Checksum: checksum,
	}, nil
}

func checksumFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("exports: checksum %s: %w", filepath.Base(path), err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// sweep removes run directories whose timestamped name is older than the
// retention horizon. Entries that do not parse as run names are left alone.
func (r *Runner) sweep(now time.Time) (int, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -r.retention)
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("exports: scan export dir: %w", err)
	}
	pruned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stamp, err := time.Parse(runDirLayout, entry.Name())
		if err != nil {
			continue
		}
		if !stamp.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.dir, entry.Name())); err != nil {
			return pruned, fmt.Errorf("exports: prune %s: %w", entry.Name(), err)
		}
		observability.Exports().RecordPruned()
		pruned++
	}
	return pruned, nil
}

func writeReserveEntryCSV(path string, rows []storage.ReserveEntry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"id", "owner", "program", "slot", "direction", "source", "amount", "created_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("exports: write csv header: %w", err)
	}
	for i := range rows {
		row := &rows[i]
		record := []string{
			row.ID.String(),
			row.Owner,
			row.Program,
			strconv.Itoa(row.Slot),
			row.Direction,
			row.Source,
			row.Amount,
			row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("exports: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("exports: flush csv: %w", err)
	}
	return nil
}

type reserveEntryRow struct {
	ID        string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Owner     string `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Program   string `parquet:"name=program, type=BYTE_ARRAY, convertedtype=UTF8"`
	Slot      int32  `parquet:"name=slot, type=INT32"`
	Direction string `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source    string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount    string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeReserveEntryParquet(path string, rows []storage.ReserveEntry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(reserveEntryRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		row := &rows[i]
		pr := &reserveEntryRow{
			ID:        row.ID.String(),
			Owner:     row.Owner,
			Program:   row.Program,
			Slot:      int32(row.Slot),
			Direction: row.Direction,
			Source:    row.Source,
			Amount:    row.Amount,
			CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet: %w", err)
	}
	return nil
}

func writePlacementCSV(path string, rows []storage.Placement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"id", "participant", "program", "slot", "phase", "upline",
		"level", "position", "active", "created_at", "deactivated_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("exports: write csv header: %w", err)
	}
	for i := range rows {
		row := &rows[i]
		record := []string{
			row.ID.String(),
			row.Participant,
			row.Program,
			strconv.Itoa(row.Slot),
			row.Phase,
			row.Upline,
			strconv.Itoa(row.Level),
			strconv.Itoa(row.Position),
			strconv.FormatBool(row.Active),
			row.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(row.DeactivatedAt),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("exports: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("exports: flush csv: %w", err)
	}
	return nil
}

type placementRow struct {
	ID            string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Participant   string `parquet:"name=participant, type=BYTE_ARRAY, convertedtype=UTF8"`
	Program       string `parquet:"name=program, type=BYTE_ARRAY, convertedtype=UTF8"`
	Slot          int32  `parquet:"name=slot, type=INT32"`
	Phase         string `parquet:"name=phase, type=BYTE_ARRAY, convertedtype=UTF8"`
	Upline        string `parquet:"name=upline, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level         int32  `parquet:"name=level, type=INT32"`
	Position      int32  `parquet:"name=position, type=INT32"`
	Active        bool   `parquet:"name=active, type=BOOLEAN"`
	CreatedAt     string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	DeactivatedAt string `parquet:"name=deactivated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writePlacementParquet(path string, rows []storage.Placement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(placementRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		row := &rows[i]
		pr := &placementRow{
			ID:            row.ID.String(),
			Participant:   row.Participant,
			Program:       row.Program,
			Slot:          int32(row.Slot),
			Phase:         row.Phase,
			Upline:        row.Upline,
			Level:         int32(row.Level),
			Position:      int32(row.Position),
			Active:        row.Active,
			CreatedAt:     row.CreatedAt.UTC().Format(time.RFC3339),
			DeactivatedAt: formatOptionalTime(row.DeactivatedAt),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet: %w", err)
	}
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
