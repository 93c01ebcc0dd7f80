// Package snapshot creates and manages point-in-time copies of the live
// source database.
//
// The pipeline never reads the live source directly: the only operation
// performed against it is the engine-level copy here. Copies use VACUUM INTO,
// which produces a consistent image even while the source is being written
// (including WAL mode), unlike a raw file copy which can tear the main file
// apart from its WAL.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kthorn/messagemart/internal/db"
)

// ErrSourceMissing indicates the live source database does not exist or
// cannot be read. Unlike pipeline errors this propagates to the caller.
var ErrSourceMissing = errors.New("source database missing or unreadable")

// Result describes a newly created snapshot.
type Result struct {
	SourcePath   string
	SnapshotPath string
	CreatedAt    time.Time
}

// Info describes an existing snapshot file.
type Info struct {
	Path       string
	CreatedAt  time.Time
	SourceStem string
}

// AgeDays returns the snapshot age in days.
func (i Info) AgeDays() float64 {
	return time.Since(i.CreatedAt).Hours() / 24
}

// Filenames look like chat_20250115_103045.db
var snapshotPattern = regexp.MustCompile(`^(.+)_(\d{8})_(\d{6})(\.[^.]+)$`)

func snapshotFilename(source string, createdAt time.Time) string {
	stem := stemOf(source)
	ext := filepath.Ext(source)
	if ext == "" {
		ext = ".db"
	}
	return fmt.Sprintf("%s_%s%s", stem, createdAt.Format("20060102_150405"), ext)
}

func stemOf(source string) string {
	base := filepath.Base(source)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" {
		base = "chat"
	}
	return base
}

func parseFilename(name string) (Info, bool) {
	m := snapshotPattern.FindStringSubmatch(name)
	if m == nil {
		return Info{}, false
	}
	createdAt, err := time.ParseInLocation("20060102_150405", m[2]+"_"+m[3], time.Local)
	if err != nil {
		return Info{}, false
	}
	return Info{CreatedAt: createdAt, SourceStem: m[1]}, true
}

// List returns all snapshots for sourceStem in dir, newest first.
func List(dir, sourceStem string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var snapshots []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, ok := parseFilename(entry.Name())
		if !ok || info.SourceStem != sourceStem {
			continue
		}
		info.Path = filepath.Join(dir, entry.Name())
		snapshots = append(snapshots, info)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// Latest returns the most recent snapshot for sourceStem, or ok=false.
func Latest(dir, sourceStem string) (Info, bool, error) {
	snapshots, err := List(dir, sourceStem)
	if err != nil {
		return Info{}, false, err
	}
	if len(snapshots) == 0 {
		return Info{}, false, nil
	}
	return snapshots[0], true, nil
}

// NeedsRefresh reports whether a new snapshot should be created: true when
// none exists for the stem or the newest exceeds maxAgeDays.
func NeedsRefresh(dir string, maxAgeDays int, sourceStem string) (bool, error) {
	latest, ok, err := Latest(dir, sourceStem)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return latest.AgeDays() > float64(maxAgeDays), nil
}

// Create produces a consistent, timestamped copy of the source database in
// dir using the engine's atomic copy primitive.
func Create(logger *zap.Logger, source, dir string) (Result, error) {
	if _, err := os.Stat(source); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrSourceMissing, source)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	createdAt := time.Now()
	path := filepath.Join(dir, snapshotFilename(source, createdAt))

	conn, err := db.OpenReadOnly(source)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrSourceMissing, source)
	}
	defer conn.Close()

	// VACUUM INTO writes a compacted, transactionally consistent copy. It
	// refuses to overwrite an existing file, hence the timestamped name.
	if _, err := conn.Exec(`VACUUM INTO ?`, path); err != nil {
		return Result{}, fmt.Errorf("failed to copy source database: %w", err)
	}

	logger.Info("snapshot created",
		zap.String("source", source),
		zap.String("snapshot", path))

	return Result{SourcePath: source, SnapshotPath: path, CreatedAt: createdAt}, nil
}

// GetOrCreate returns a usable snapshot path, creating a fresh copy only
// when none exists, the newest is older than maxAgeDays, or forceNew is set.
// The returned flag reports whether a new snapshot was created rather than
// reused.
func GetOrCreate(logger *zap.Logger, source, dir string, maxAgeDays int, forceNew bool) (string, bool, error) {
	if _, err := os.Stat(source); err != nil {
		return "", false, fmt.Errorf("%w: %s", ErrSourceMissing, source)
	}

	stem := stemOf(source)
	refresh, err := NeedsRefresh(dir, maxAgeDays, stem)
	if err != nil {
		return "", false, err
	}

	if !refresh && !forceNew {
		latest, ok, err := Latest(dir, stem)
		if err != nil {
			return "", false, err
		}
		if ok {
			logger.Info("reusing snapshot",
				zap.String("snapshot", latest.Path),
				zap.Float64("age_days", latest.AgeDays()))
			return latest.Path, false, nil
		}
	}

	result, err := Create(logger, source, dir)
	if err != nil {
		return "", false, err
	}
	return result.SnapshotPath, true, nil
}

// Cleanup deletes all but the keepCount newest snapshots for sourceStem.
// Failed deletes are logged and skipped.
func Cleanup(logger *zap.Logger, dir string, keepCount int, sourceStem string) ([]string, error) {
	snapshots, err := List(dir, sourceStem)
	if err != nil {
		return nil, err
	}
	if keepCount < 0 {
		keepCount = 0
	}
	if len(snapshots) <= keepCount {
		return nil, nil
	}

	var deleted []string
	for _, snap := range snapshots[keepCount:] {
		if err := os.Remove(snap.Path); err != nil {
			logger.Warn("failed to delete snapshot",
				zap.String("snapshot", snap.Path),
				zap.Error(err))
			continue
		}
		deleted = append(deleted, snap.Path)
		logger.Info("deleted old snapshot", zap.String("snapshot", snap.Path))
	}
	return deleted, nil
}
