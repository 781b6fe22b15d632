package jobs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

func (p *Pool) runMove(out *Outcome, logger *slog.Logger) {
	rec := out.Record
	exists, err := afero.DirExists(p.fs, rec.Destination)
	if err != nil {
		out.Err = fmt.Errorf("stat destination %s: %w", rec.Destination, err)
		return
	}
	if exists {
		// Left by an earlier run that did not finish.
		logger.Warn("destination already exists, replacing", "destination", rec.Destination)
	}

	if err := copyTree(p.fs, rec.Source, rec.Destination); err != nil {
		out.Err = fmt.Errorf("copy %s to %s: %w", rec.Source, rec.Destination, err)
		if ok, _ := afero.Exists(p.fs, rec.Destination); ok {
			out.Partial = rec.Destination
		}
		return
	}
	out.Artifact = rec.Destination

	p.removeSource(out, logger)
}

// copyTree copies src into dst, overwriting files that already exist.
func copyTree(fs afero.Fs, src, dst string) error {
	return afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return fs.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return copyFile(fs, path, target, info.Mode().Perm())
		default:
			// Sockets, devices and links have no place in an event cache.
			return nil
		}
	})
}

func copyFile(fs afero.Fs, src, dst string, perm os.FileMode) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
