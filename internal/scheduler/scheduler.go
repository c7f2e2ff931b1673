// Package scheduler specifies the external target-selection contract
// (§1 Non-goal: the scheduler's selection algorithm is out of scope)
// plus a file-backed reference adapter.
package scheduler

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Scheduler is invoked via a single "give me the next starlist file"
// call (§1). A "" result with a nil error means it has nothing to offer
// this tick.
type Scheduler interface {
	NextStarlist() (string, error)
}

// Cleanup is an optional extension a Scheduler may implement; the
// Sequencer's Cal-Post phase invokes it if present (§4.5).
type Cleanup interface {
	Cleanup() error
}

// FileScheduler is a reference adapter: it treats the existence of a
// well-known path, written by an external scheduling process, as "next
// starlist ready."
type FileScheduler struct {
	Path string
}

func (f FileScheduler) NextStarlist() (string, error) {
	if _, err := os.Stat(f.Path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("scheduler: stat %q: %w", f.Path, err)
	}
	return f.Path, nil
}

// CountedLines returns the number of non-empty, non-comment lines in
// path, per the fixed-starlist counting rule (§6): a line "counts" iff
// it is non-empty after trimming and does not begin with '#'.
func CountedLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("scheduler: open %q: %w", path, err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scheduler: read %q: %w", path, err)
	}
	return n, nil
}
