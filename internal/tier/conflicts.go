package tier

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ConflictLogFile is the file name under the run path.
const ConflictLogFile = "conflicts.log"

// ConflictLog records visible paths that have live *.autotier_conflict /
// *.autotier_conflict_orig siblings in some tier. Reading the log drops
// entries whose conflict files have since been cleaned up by the
// administrator.
type ConflictLog struct {
	mu   sync.Mutex
	path string
}

// NewConflictLog returns the log stored under runPath.
func NewConflictLog(runPath string) *ConflictLog {
	return &ConflictLog{path: filepath.Join(runPath, ConflictLogFile)}
}

// Add appends one visible path to the log.
func (c *ConflictLog) Add(relPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open conflict log: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, relPath); err != nil {
		return fmt.Errorf("cannot append to conflict log: %w", err)
	}
	return nil
}

// Check returns the entries whose conflict files still exist in one of the
// given tier directories, and rewrites the log to exactly that set.
func (c *ConflictLog) Check(tierPaths []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read conflict log: %w", err)
	}

	var live []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry := strings.TrimSpace(scanner.Text())
		if entry == "" || seen[entry] {
			continue
		}
		if conflictExists(entry, tierPaths) {
			live = append(live, entry)
			seen[entry] = true
		}
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return nil, fmt.Errorf("cannot read conflict log: %w", scanErr)
	}

	var b strings.Builder
	for _, entry := range live {
		b.WriteString(entry)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(c.path, []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("cannot rewrite conflict log: %w", err)
	}
	return live, nil
}

func conflictExists(entry string, tierPaths []string) bool {
	for _, tp := range tierPaths {
		full := filepath.Join(tp, entry)
		if _, err := os.Lstat(full + ConflictSuffix); err == nil {
			return true
		}
		if _, err := os.Lstat(full + ConflictOrigSuffix); err == nil {
			return true
		}
	}
	return false
}
