package fsbackend

import (
	"sort"
	"strings"
	"sync"
)

// FileChange represents the accumulated modifications of one file.
type FileChange struct {
	Path      string // Virtual path under the root
	IsNew     bool   // True if the file was created this session
	Additions int
	Deletions int
}

// FileTracker tracks files modified through write_file and edit_file.
type FileTracker struct {
	changes map[string]*FileChange // keyed by virtual path
	mu      sync.Mutex
}

// NewFileTracker creates an empty tracker.
func NewFileTracker() *FileTracker {
	return &FileTracker{changes: make(map[string]*FileChange)}
}

// RecordChange records a modification. Repeated changes to one file add
// up; a file created earlier stays new.
func (ft *FileTracker) RecordChange(vpath string, isNew bool, additions, deletions int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if c, ok := ft.changes[vpath]; ok {
		c.Additions += additions
		c.Deletions += deletions
		return
	}
	ft.changes[vpath] = &FileChange{
		Path:      vpath,
		IsNew:     isNew,
		Additions: additions,
		Deletions: deletions,
	}
}

// Changes returns copies of all changes sorted by path.
func (ft *FileTracker) Changes() []FileChange {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	result := make([]FileChange, 0, len(ft.changes))
	for _, change := range ft.changes {
		result = append(result, *change)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Path < result[j].Path
	})
	return result
}

// Count returns the number of unique files modified
func (ft *FileTracker) Count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.changes)
}

// diffStat counts added and removed lines of a unified diff.
func diffStat(diff string) (additions, deletions int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			additions++
		case strings.HasPrefix(line, "-"):
			deletions++
		}
	}
	return additions, deletions
}

// lineCount counts the lines of content, including an unterminated last one.
func lineCount(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}
