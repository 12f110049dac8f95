// Package perception implements the per-cyber Perception Scanner: a
// filesystem diff against a persisted digest map, per spec.md §4.6.
// fsnotify watches are registered and their events exposed, but every
// Scan is a full walk.
package perception

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	"github.com/mindswarm/subspace/internal/logging"
	"github.com/mindswarm/subspace/pkg/types"
)

type digestRecord struct {
	digest string
	size   int64
	mtime  time.Time
}

// Scanner diffs a set of watched directories against the last scan,
// persisting (path -> digest, size, mtime) in modernc.org/sqlite so that
// after a restart files unchanged since the last scan are not reported
// again (design note §9). Each Scan still walks and hashes every file
// under the watched directories.
type Scanner struct {
	db      *sql.DB
	watch   *fsnotify.Watcher
	dirs    []string
	log     *logging.Logger
	pending map[string]bool
}

// NewScanner opens (creating if needed) the digest store at
// storePath and begins watching dirs with fsnotify.
func NewScanner(storePath string, dirs []string) (*Scanner, error) {
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return nil, fmt.Errorf("perception: digest store dir: %w", err)
	}
	db, err := sql.Open("sqlite", storePath)
	if err != nil {
		return nil, fmt.Errorf("perception: open digest store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS digests (
	path TEXT PRIMARY KEY,
	digest TEXT NOT NULL,
	size INTEGER NOT NULL,
	mtime TIMESTAMP NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("perception: init digest schema: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("perception: fsnotify: %w", err)
	}
	for _, d := range dirs {
		if err := watcher.Add(d); err != nil {
			// A watched directory may not exist yet (e.g. grid/workshop
			// before first use); the fallback full walk still covers it.
			continue
		}
	}

	s := &Scanner{db: db, watch: watcher, dirs: dirs, log: logging.New("perception.scanner"), pending: make(map[string]bool)}
	return s, nil
}

// Close releases the digest store handle and the fsnotify watcher.
func (s *Scanner) Close() error {
	s.watch.Close()
	return s.db.Close()
}

// Events exposes the raw fsnotify channel, for a caller that wants to
// run Scan when change notifications arrive rather than on a timer.
// Scan itself does not read these events and always walks in full.
func (s *Scanner) Events() <-chan fsnotify.Event { return s.watch.Events }

// Scan walks every watched directory (full walk) and returns observation
// blocks for every new, modified, removed, or unreadable path compared
// to the persisted digest map.
func (s *Scanner) Scan(ctx context.Context) ([]*types.Block, error) {
	seen := make(map[string]bool)
	var observations []*types.Block

	for _, dir := range s.dirs {
		err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				observations = append(observations, accessErrorObservation(path, walkErr))
				return nil
			}
			if info.IsDir() {
				return nil
			}
			seen[path] = true

			digest, err := digestFile(path)
			if err != nil {
				observations = append(observations, accessErrorObservation(path, err))
				return nil
			}

			prev, existed, err := s.lookup(ctx, path)
			if err != nil {
				return err
			}

			switch {
			case !existed:
				observations = append(observations, newFileObservation(path))
			case prev.digest != digest:
				observations = append(observations, modifiedObservation(path))
			}

			return s.upsert(ctx, path, digest, info.Size(), info.ModTime())
		})
		if err != nil {
			return nil, fmt.Errorf("perception: walk %s: %w", dir, err)
		}
	}

	removed, err := s.removedSince(ctx, seen)
	if err != nil {
		return nil, err
	}
	for _, path := range removed {
		observations = append(observations, removedObservation(path))
		if err := s.delete(ctx, path); err != nil {
			return nil, err
		}
	}

	return observations, nil
}

func (s *Scanner) lookup(ctx context.Context, path string) (digestRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT digest, size, mtime FROM digests WHERE path = ?`, path)
	var rec digestRecord
	if err := row.Scan(&rec.digest, &rec.size, &rec.mtime); err != nil {
		if err == sql.ErrNoRows {
			return digestRecord{}, false, nil
		}
		return digestRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Scanner) upsert(ctx context.Context, path, digest string, size int64, mtime time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO digests (path, digest, size, mtime) VALUES (?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET digest = excluded.digest, size = excluded.size, mtime = excluded.mtime`,
		path, digest, size, mtime)
	return err
}

func (s *Scanner) delete(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM digests WHERE path = ?`, path)
	return err
}

func (s *Scanner) removedSince(ctx context.Context, seen map[string]bool) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM digests`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		if !seen[path] {
			removed = append(removed, path)
		}
	}
	return removed, rows.Err()
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newFileObservation(path string) *types.Block {
	return observationBlock("new_file", path, "")
}

func modifiedObservation(path string) *types.Block {
	return observationBlock("modified", path, "content changed")
}

func removedObservation(path string) *types.Block {
	return observationBlock("removed", path, "")
}

func accessErrorObservation(path string, err error) *types.Block {
	return observationBlock("access_error", path, err.Error())
}

func observationBlock(kind, path, summary string) *types.Block {
	now := time.Now()
	return &types.Block{
		Header: types.Header{
			ID:         types.NewBlockID(types.ScopePersonal, types.BlockObservation, kind+":"+path, ""),
			Priority:   types.PriorityMedium,
			Confidence: 1.0,
			CreatedAt:  now,
		},
		Type: types.BlockObservation,
		Observation: &types.ObservationPayload{
			Kind: kind, Path: path, Timestamp: now, Summary: summary,
		},
	}
}
