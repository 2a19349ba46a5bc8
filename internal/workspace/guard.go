// Package workspace enforces that no two AgentSessions target overlapping
// workspace paths (spec §5), via a per-path exclusive lock. Adapted from the
// mutex-guarded locking and path-sanitization idiom in the teacher's git
// worktree manager; the git-specific operations have no referent in this
// spec's data model and are not carried over.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Guard is a process-wide registry of workspace paths currently claimed by
// an active AgentSession.
type Guard struct {
	mu      sync.Mutex
	claimed map[string]string // normalized path -> holder description
}

// NewGuard builds an empty Guard.
func NewGuard() *Guard {
	return &Guard{claimed: make(map[string]string)}
}

// Acquire claims path for holder, failing if another holder already has it
// or a path nested inside it or containing it.
// Callers release with the returned func once the session that needed the
// workspace has terminated.
func (g *Guard) Acquire(path, holder string) (release func(), err error) {
	norm, err := normalize(path)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	sep := string(filepath.Separator)
	for claimedPath, existing := range g.claimed {
		if claimedPath == norm ||
			strings.HasPrefix(norm, strings.TrimSuffix(claimedPath, sep)+sep) ||
			strings.HasPrefix(claimedPath, strings.TrimSuffix(norm, sep)+sep) {
			return nil, fmt.Errorf("workspace %s overlaps %s already claimed by %s", norm, claimedPath, existing)
		}
	}
	g.claimed[norm] = holder

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.claimed[norm] == holder {
			delete(g.claimed, norm)
		}
	}, nil
}

// HolderOf reports who currently holds path, if anyone.
func (g *Guard) HolderOf(path string) (holder string, held bool) {
	norm, err := normalize(path)
	if err != nil {
		return "", false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	holder, held = g.claimed[norm]
	return holder, held
}

func normalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve workspace path: %w", err)
	}
	return filepath.Clean(abs), nil
}
