package workspace

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mindswarm/subspace/internal/logging"
)

// Ownership classifies a path for the Template Syncer.
type Ownership int

const (
	TemplateOwned Ownership = iota
	CyberOwned
	MergeRequired
)

// OwnershipRule is one entry in the ordered ownership table; Pattern is
// matched with filepath.Match against a path relative to the tree root.
type OwnershipRule struct {
	Pattern   string
	Ownership Ownership
}

// DefaultOwnershipTable is the ownership table used when a cyber
// template doesn't supply its own. code/ is template-owned (read-only
// mounted code tree); memory/ and .internal/ are cyber-owned (the
// cyber's own evolving state), as are the direct children of inbox/ and
// outbox/; everything else merge-required.
var DefaultOwnershipTable = []OwnershipRule{
	{Pattern: "code/*", Ownership: TemplateOwned},
	{Pattern: "code/**", Ownership: TemplateOwned},
	{Pattern: "memory/*", Ownership: CyberOwned},
	{Pattern: "memory/**", Ownership: CyberOwned},
	{Pattern: ".internal/*", Ownership: CyberOwned},
	{Pattern: ".internal/**", Ownership: CyberOwned},
	{Pattern: "inbox/*", Ownership: CyberOwned},
	{Pattern: "outbox/*", Ownership: CyberOwned},
	{Pattern: "*", Ownership: MergeRequired},
}

// Classify returns the first matching rule's ownership, mirroring the
// teacher router's first-match-wins classifier dispatch.
func Classify(table []OwnershipRule, relPath string) Ownership {
	relPath = filepath.ToSlash(relPath)
	for _, rule := range table {
		if matchPattern(rule.Pattern, relPath) {
			return rule.Ownership
		}
	}
	return MergeRequired
}

// matchPattern supports a trailing "/**" for recursive matches on top
// of filepath.Match's single-segment "*".
func matchPattern(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	ok, err := filepath.Match(pattern, path)
	return err == nil && ok
}

// Syncer reconciles a template tree with a live cyber workspace and
// appends one history row (path, content hash, action, time) for each
// file a sync writes. File contents are not stored in the history.
type Syncer struct {
	db    *sql.DB
	table []OwnershipRule
	log   *logging.Logger
}

// NewSyncer opens (creating if needed) the sqlite-backed sync history
// at historyPath, using table as the ownership rules (nil uses
// DefaultOwnershipTable).
func NewSyncer(historyPath string, table []OwnershipRule) (*Syncer, error) {
	if table == nil {
		table = DefaultOwnershipTable
	}
	if err := os.MkdirAll(filepath.Dir(historyPath), 0o755); err != nil {
		return nil, fmt.Errorf("workspace: sync history dir: %w", err)
	}
	db, err := sql.Open("sqlite", historyPath)
	if err != nil {
		return nil, fmt.Errorf("workspace: open sync history: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS sync_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	action TEXT NOT NULL,
	synced_at TIMESTAMP NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("workspace: init sync history schema: %w", err)
	}
	return &Syncer{db: db, table: table, log: logging.New("workspace.syncer")}, nil
}

// Close releases the underlying history database handle.
func (s *Syncer) Close() error { return s.db.Close() }

// SyncResult summarizes one Sync call.
type SyncResult struct {
	Overwritten []string
	Skipped     []string
	Conflicts   []string
}

// Sync walks template and live, applying the ownership table. Template-
// owned paths are overwritten unconditionally; cyber-owned paths are
// never touched; merge-required paths whose template and live copies
// have both changed since the last sync get a ".conflict-<ts>" sibling
// written instead of being merged automatically.
func (s *Syncer) Sync(ctx context.Context, templateDir, liveDir string) (*SyncResult, error) {
	result := &SyncResult{}

	entries, err := walkRelative(templateDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: walk template: %w", err)
	}

	ts := time.Now().UTC()

	for _, rel := range entries {
		ownership := Classify(s.table, rel)
		templatePath := filepath.Join(templateDir, rel)
		livePath := filepath.Join(liveDir, rel)

		info, err := os.Stat(templatePath)
		if err != nil {
			continue
		}
		if info.IsDir() {
			if ownership != CyberOwned {
				if err := os.MkdirAll(livePath, info.Mode()); err != nil {
					return nil, fmt.Errorf("workspace: mkdir %s: %w", livePath, err)
				}
			}
			continue
		}

		switch ownership {
		case CyberOwned:
			result.Skipped = append(result.Skipped, rel)
			continue

		case TemplateOwned:
			if err := copyFile(templatePath, livePath); err != nil {
				return nil, fmt.Errorf("workspace: copy %s: %w", rel, err)
			}
			hash, err := hashFile(templatePath)
			if err != nil {
				return nil, err
			}
			if err := s.record(ctx, rel, hash, "overwrite", ts); err != nil {
				return nil, err
			}
			result.Overwritten = append(result.Overwritten, rel)

		case MergeRequired:
			changed, err := s.bothChangedSinceLastSync(ctx, rel, templatePath, livePath)
			if err != nil {
				return nil, err
			}
			if !changed {
				if err := copyFile(templatePath, livePath); err != nil {
					return nil, fmt.Errorf("workspace: copy %s: %w", rel, err)
				}
				hash, err := hashFile(templatePath)
				if err != nil {
					return nil, err
				}
				if err := s.record(ctx, rel, hash, "merge-copy", ts); err != nil {
					return nil, err
				}
				result.Overwritten = append(result.Overwritten, rel)
				continue
			}
			conflictPath := fmt.Sprintf("%s.conflict-%d", livePath, ts.Unix())
			if err := copyFile(templatePath, conflictPath); err != nil {
				return nil, fmt.Errorf("workspace: write conflict copy %s: %w", rel, err)
			}
			hash, err := hashFile(templatePath)
			if err != nil {
				return nil, err
			}
			if err := s.record(ctx, rel, hash, "conflict", ts); err != nil {
				return nil, err
			}
			result.Conflicts = append(result.Conflicts, rel)
		}
	}

	return result, nil
}

// bothChangedSinceLastSync reports whether both the template and live
// copies of rel differ from the hash most recently recorded for rel.
func (s *Syncer) bothChangedSinceLastSync(ctx context.Context, rel, templatePath, livePath string) (bool, error) {
	lastHash, found, err := s.lastHash(ctx, rel)
	if err != nil {
		return false, err
	}
	if !found {
		// Never synced before: no conflict possible yet, treat as a
		// plain copy so the first sync always succeeds.
		return false, nil
	}

	templateHash, err := hashFile(templatePath)
	if err != nil {
		return false, err
	}
	liveHash, err := hashFile(livePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	templateChanged := templateHash != lastHash
	liveChanged := liveHash != lastHash
	return templateChanged && liveChanged, nil
}

func (s *Syncer) lastHash(ctx context.Context, rel string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT content_hash FROM sync_history
WHERE path = ? ORDER BY id DESC LIMIT 1`, rel)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return hash, true, nil
}

func (s *Syncer) record(ctx context.Context, rel, hash, action string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_history (path, content_hash, action, synced_at) VALUES (?, ?, ?, ?)`,
		rel, hash, action, ts)
	return err
}

// History returns every recorded entry for rel, newest first. Entries
// carry content hashes, not contents, so they identify what each sync
// wrote but cannot by themselves restore an earlier version.
func (s *Syncer) History(ctx context.Context, rel string) ([]SyncHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT path, content_hash, action, synced_at FROM sync_history
WHERE path = ? ORDER BY id DESC`, rel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncHistoryEntry
	for rows.Next() {
		var e SyncHistoryEntry
		if err := rows.Scan(&e.Path, &e.ContentHash, &e.Action, &e.SyncedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SyncHistoryEntry is one row of the append-only sync history.
type SyncHistoryEntry struct {
	Path        string
	ContentHash string
	Action      string
	SyncedAt    time.Time
}

func walkRelative(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	return out, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".sync-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func hashFile(path string) (string, error) {
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
