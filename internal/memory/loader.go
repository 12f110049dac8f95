package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mindswarm/subspace/internal/workspace"
	"github.com/mindswarm/subspace/pkg/types"
)

type cacheEntry struct {
	digest    string
	content   string
	loadedAt  time.Time
}

// ContentLoader reads a Memory Block's referenced content as a string,
// caching it with a TTL, grounded on the teacher's digest-invalidation
// pattern in internal/memory/interfaces.go. Every Load still reads the
// file once to compute its digest; the cached content is reused only
// while that digest is unchanged and the TTL has not expired.
type ContentLoader struct {
	cyber *workspace.CyberWorkspace
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewContentLoader returns a ContentLoader scoped to cyber's workspace,
// confining every read to /personal or /grid.
func NewContentLoader(cyber *workspace.CyberWorkspace, ttl time.Duration) *ContentLoader {
	return &ContentLoader{cyber: cyber, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Load returns the content referenced by a File memory block, using the
// cache when the file's digest has not changed and the TTL has not
// expired.
func (l *ContentLoader) Load(block *types.Block) (string, error) {
	if block.Type != types.BlockFile || block.File == nil {
		return "", fmt.Errorf("memory: content loader: block %s has no file payload", block.ID)
	}

	resolved, err := l.cyber.Resolve(block.File.Path)
	if err != nil {
		return "", err
	}

	digest, err := digestFile(resolved)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s#%d-%d", resolved, block.File.LineStart, block.File.LineEnd)
	l.mu.Lock()
	entry, ok := l.cache[key]
	l.mu.Unlock()
	if ok && entry.digest == digest && time.Since(entry.loadedAt) < l.ttl {
		return entry.content, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	content := string(data)
	if block.File.LineStart > 0 || block.File.LineEnd > 0 {
		content = sliceLines(content, block.File.LineStart, block.File.LineEnd)
	}

	l.mu.Lock()
	l.cache[key] = cacheEntry{digest: digest, content: content, loadedAt: time.Now()}
	l.mu.Unlock()

	return content, nil
}

func sliceLines(content string, start, end int) string {
	lines := splitLinesKeepEmpty(content)
	if start < 1 {
		start = 1
	}
	if end < start || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		return ""
	}
	selected := lines[start-1 : end]
	out := ""
	for i, l := range selected {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func splitLinesKeepEmpty(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
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
