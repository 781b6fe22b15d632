package log

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// Prune keeps only the last keepLines lines of the log file at path.
// A missing file is not an error; keepLines <= 0 disables pruning.
func Prune(path string, keepLines int) error {
	if path == "" || keepLines <= 0 {
		return nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}

	// Ring of the most recent lines.
	ring := make([]string, keepLines)
	total := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		ring[total%keepLines] = sc.Text()
		total++
	}
	scanErr := sc.Err()
	_ = f.Close()
	if scanErr != nil {
		return fmt.Errorf("read log: %w", scanErr)
	}
	if total <= keepLines {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".prune-*")
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for i := 0; i < keepLines; i++ {
		if _, err := fmt.Fprintln(w, ring[(total+i)%keepLines]); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("write temp log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("flush temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp log: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace log: %w", err)
	}
	return nil
}
