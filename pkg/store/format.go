package store

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"

	"relayd/pkg/logger"
)

// formatVersion is the on-disk layout version. Bump it when the key
// layout changes and add a migration step to migrations below.
const formatVersion = 1

const (
	formatKey     = "meta:format"
	inProgressKey = "meta:migration_in_progress"
)

// migrations maps a source format version to the step that upgrades the
// DB to the next version. Steps must be idempotent: a crash mid-migration
// leaves the in-progress marker set and the step re-runs on next open.
var migrations = map[int]func(db *pebble.DB) error{}

// checkFormat verifies the stored layout version and runs any pending
// migrations. A fresh DB is stamped with the current version. Opening a
// DB with a newer version than this binary understands fails.
func checkFormat(db *pebble.DB) error {
	stored, err := readFormat(db)
	if err != nil {
		return err
	}
	if stored == formatVersion {
		return nil
	}
	if stored > formatVersion {
		return fmt.Errorf("%w: log format %d is newer than supported %d", ErrUnavailable, stored, formatVersion)
	}
	if stored == 0 {
		// fresh DB, stamp and go
		if err := db.Set([]byte(formatKey), []byte(strconv.Itoa(formatVersion)), pebble.Sync); err != nil {
			return fmt.Errorf("%w: stamp format: %v", ErrUnavailable, err)
		}
		return nil
	}

	logger.Info("format_migration_start", "from", stored, "to", formatVersion)
	if err := db.Set([]byte(inProgressKey), []byte(strconv.Itoa(stored)), pebble.Sync); err != nil {
		return fmt.Errorf("%w: write in-progress marker: %v", ErrUnavailable, err)
	}
	for v := stored; v < formatVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return fmt.Errorf("%w: no migration from format %d", ErrUnavailable, v)
		}
		if err := step(db); err != nil {
			logger.Error("format_migration_failed", "from", v, "error", err)
			return fmt.Errorf("%w: migrate from %d: %v", ErrUnavailable, v, err)
		}
		logger.Info("format_migration_step_done", "from", v, "to", v+1)
	}
	if err := db.Set([]byte(formatKey), []byte(strconv.Itoa(formatVersion)), pebble.Sync); err != nil {
		return fmt.Errorf("%w: persist format: %v", ErrUnavailable, err)
	}
	if err := db.Delete([]byte(inProgressKey), pebble.Sync); err != nil {
		logger.Warn("format_marker_delete_failed", "error", err)
	}
	logger.Info("format_migration_done", "version", formatVersion)
	return nil
}

// readFormat returns the stored format version, zero for a fresh DB.
func readFormat(db *pebble.DB) (int, error) {
	v, closer, err := db.Get([]byte(formatKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read format: %v", ErrUnavailable, err)
	}
	defer closer.Close()
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt format key %q", ErrUnavailable, v)
	}
	return n, nil
}
