// Package store reads the dated directory layout shared by the active and
// backup stores: <root>/<collection>/<YYYY-MM-DD>.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"
)

// DateLayout is the directory name format of a dated unit.
const DateLayout = "2006-01-02"

// ParseDate parses a dated unit directory name as a local calendar date.
func ParseDate(name string) (time.Time, bool) {
	t, err := time.ParseInLocation(DateLayout, name, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Unit is one collection's data for one calendar date.
type Unit struct {
	Collection string
	Name       string
	Date       time.Time
	Path       string
}

// Key identifies the unit for logs and history rows.
func (u Unit) Key() string { return u.Collection + "/" + u.Name }

// InvalidEntry is a directory that looks like a unit but does not parse.
type InvalidEntry struct {
	Path   string
	Reason string
}

// Listing is the result of scanning a store root.
type Listing struct {
	Root        string
	Collections []string
	// Units holds the dated units per collection, oldest first.
	Units   map[string][]Unit
	Invalid []InvalidEntry
}

// Count returns the number of valid units in the listing.
func (l *Listing) Count() int {
	n := 0
	for _, units := range l.Units {
		n += len(units)
	}
	return n
}

// Store is one root of the dated layout.
type Store struct {
	fs   afero.Fs
	root string
}

// New returns a Store rooted at root on fs.
func New(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: filepath.Clean(root)}
}

func (s *Store) Root() string { return s.root }

// UnitPath is the directory backing (collection, date) in this store.
func (s *Store) UnitPath(collection, date string) string {
	return filepath.Join(s.root, collection, date)
}

// HasUnit reports whether the unit directory exists.
func (s *Store) HasUnit(collection, date string) bool {
	ok, err := afero.DirExists(s.fs, s.UnitPath(collection, date))
	return err == nil && ok
}

// EnsureRoot creates the root directory if it is missing.
func (s *Store) EnsureRoot() (created bool, err error) {
	ok, err := afero.DirExists(s.fs, s.root)
	if err != nil {
		return false, fmt.Errorf("stat store root %s: %w", s.root, err)
	}
	if ok {
		return false, nil
	}
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return false, fmt.Errorf("create store root %s: %w", s.root, err)
	}
	return true, nil
}

// DiscoverCollections lists the symlinked entries of the root, which is how
// ZoneMinder names its per-monitor event directories. A root without any
// symlinks falls back to its plain directories.
func (s *Store) DiscoverCollections() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, fmt.Errorf("read store root %s: %w", s.root, err)
	}

	var links, dirs []string
	for _, e := range entries {
		switch {
		case e.Mode()&os.ModeSymlink != 0:
			links = append(links, e.Name())
		case e.IsDir():
			dirs = append(dirs, e.Name())
		}
	}
	if len(links) > 0 {
		sort.Strings(links)
		return links, nil
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Scan lists the dated units of the given collections. A nil slice scans
// every directory under the root. Collections that do not exist are skipped.
func (s *Store) Scan(collections []string) (*Listing, error) {
	if collections == nil {
		entries, err := afero.ReadDir(s.fs, s.root)
		if err != nil {
			return nil, fmt.Errorf("read store root %s: %w", s.root, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				collections = append(collections, e.Name())
			}
		}
	}

	sorted := append([]string(nil), collections...)
	sort.Strings(sorted)

	l := &Listing{Root: s.root, Units: make(map[string][]Unit, len(sorted))}
	for _, c := range sorted {
		dir := filepath.Join(s.root, c)
		entries, err := afero.ReadDir(s.fs, dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read collection %s: %w", dir, err)
		}
		l.Collections = append(l.Collections, c)

		var units []Unit
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			p := filepath.Join(dir, e.Name())
			date, ok := ParseDate(e.Name())
			if !ok {
				l.Invalid = append(l.Invalid, InvalidEntry{Path: p, Reason: "name is not a YYYY-MM-DD date"})
				continue
			}
			units = append(units, Unit{Collection: c, Name: e.Name(), Date: date, Path: p})
		}
		sort.Slice(units, func(i, j int) bool { return units[i].Date.Before(units[j].Date) })
		l.Units[c] = units
	}
	return l, nil
}

// DirSize sums the sizes of the regular files under path.
func DirSize(fs afero.Fs, path string) (int64, error) {
	var total int64
	err := afero.Walk(fs, path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", path, err)
	}
	return total, nil
}
