// Package alert raises the capacity high-water warning in the
// message-of-the-day file so the next operator login sees it.
package alert

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Record is the content of a capacity alert.
type Record struct {
	Name      string
	Percent   int
	Threshold int
	At        time.Time
}

// marker identifies the alert line for a given cache regardless of the
// percentage and timestamp it carries.
func marker(name string) string {
	return fmt.Sprintf("-- Warning! %s backup cache is at ", name)
}

// Line renders the alert as written to the motd file.
func (r Record) Line() string {
	return fmt.Sprintf("%s %s%d%%", r.At.Format("Mon Jan _2 15:04:05 2006"), marker(r.Name), r.Percent)
}

// Check returns an alert when percent has reached threshold.
func Check(name string, percent, threshold int, now time.Time) (Record, bool) {
	if threshold <= 0 || percent < threshold {
		return Record{}, false
	}
	return Record{Name: name, Percent: percent, Threshold: threshold, At: now}, true
}

// WriteMotd puts the alert line into the file at path, replacing an earlier
// alert line for the same cache instead of adding another. The file is
// created if missing.
func WriteMotd(path string, r Record) error {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read motd: %w", err)
	}

	var lines []string
	replaced := false
	sc := bufio.NewScanner(bytes.NewReader(existing))
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, marker(r.Name)) {
			if replaced {
				continue
			}
			line = r.Line()
			replaced = true
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan motd: %w", err)
	}
	if !replaced {
		lines = append(lines, r.Line())
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".motd-*")
	if err != nil {
		return fmt.Errorf("write motd: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write motd: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write motd: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write motd: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace motd: %w", err)
	}
	return nil
}
