package jobs

import (
	"archive/tar"
	"compress/gzip"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

func (p *Pool) runArchive(out *Outcome, logger *slog.Logger) {
	rec := out.Record
	if err := p.fs.MkdirAll(rec.Destination, 0o755); err != nil {
		out.Err = fmt.Errorf("create destination %s: %w", rec.Destination, err)
		return
	}

	final := filepath.Join(rec.Destination, rec.ArchiveName())
	partial := final + PartialExt

	digest, entries, err := writeArchive(p.fs, rec.Source, rec.Unit.Name, partial)
	if err != nil {
		out.Err = fmt.Errorf("write archive %s: %w", partial, err)
		if exists, _ := afero.Exists(p.fs, partial); exists {
			out.Partial = partial
		}
		return
	}
	if err := verifyArchive(p.fs, partial, digest, entries); err != nil {
		out.Err = fmt.Errorf("verify archive %s: %w", partial, err)
		out.Partial = partial
		return
	}

	if exists, _ := afero.Exists(p.fs, final); exists {
		logger.Warn("archive already exists, replacing", "path", final)
		if err := p.fs.Remove(final); err != nil {
			out.Err = fmt.Errorf("replace archive %s: %w", final, err)
			out.Partial = partial
			return
		}
	}
	if err := p.fs.Rename(partial, final); err != nil {
		out.Err = fmt.Errorf("finalize archive %s: %w", final, err)
		out.Partial = partial
		return
	}
	out.Artifact = final
	out.Digest = digest
	out.Entries = entries
	logger.Debug("archive verified", "path", final, "blake3", digest, "entries", entries)

	p.removeSource(out, logger)
}

// removeSource deletes the source tree after a verified copy, when enabled.
func (p *Pool) removeSource(out *Outcome, logger *slog.Logger) {
	if !p.deleteSource {
		return
	}
	src := out.Record.Source
	if err := p.fs.RemoveAll(src); err != nil {
		out.Err = fmt.Errorf("remove source %s after copy: %w", src, err)
		out.Partial = src
		return
	}
	out.SourceRemoved = true
	logger.Debug("removed source", "path", src)
}

// writeArchive tars src under prefix/ into a gzip stream at dst and returns
// the BLAKE3 digest of the compressed bytes and the number of tar entries.
func writeArchive(fs afero.Fs, src, prefix, dst string) (string, int, error) {
	f, err := fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := blake3.New()
	gz := gzip.NewWriter(io.MultiWriter(f, h))
	tw := tar.NewWriter(gz)

	entries := 0
	walkErr := afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			lr, ok := fs.(afero.LinkReader)
			if !ok {
				return nil
			}
			if link, err = lr.ReadlinkIfPossible(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(prefix, rel))
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		entries++

		if !info.Mode().IsRegular() {
			return nil
		}
		in, err := fs.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if _, err := io.Copy(tw, in); err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return "", 0, walkErr
	}
	if err := tw.Close(); err != nil {
		return "", 0, err
	}
	if err := gz.Close(); err != nil {
		return "", 0, err
	}
	if err := f.Sync(); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), entries, nil
}

// verifyArchive re-reads path and checks the digest and the tar entry count.
func verifyArchive(fs afero.Fs, path, wantDigest string, wantEntries int) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := blake3.New()
	gz, err := gzip.NewReader(io.TeeReader(f, h))
	if err != nil {
		return err
	}
	tr := tar.NewReader(gz)
	entries := 0
	for {
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry %d: %w", entries+1, err)
		}
		entries++
	}
	// Drain what the tar reader did not consume so the digest covers the file.
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	if entries != wantEntries {
		return fmt.Errorf("archive has %d entries, wrote %d", entries, wantEntries)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != wantDigest {
		return fmt.Errorf("digest mismatch: got %s want %s", got, wantDigest)
	}
	return nil
}
