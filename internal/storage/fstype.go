package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":      {},
	"cifs":       {},
	"fuse.sshfs": {},
	"nfs":        {},
	"smbfs":      {},
	"smb2":       {},
	"webdav":     {},
}

// FSInfo describes the filesystem a path lives on. Path may not exist yet;
// Inspected is the nearest existing ancestor that was actually examined.
type FSInfo struct {
	Path      string
	Inspected string
	Type      string
	Network   bool
}

// DetectFS reports the filesystem holding path.
func DetectFS(path string) (FSInfo, error) {
	return detectFS(path, detectFilesystemType)
}

func detectFS(path string, detector func(string) (string, error)) (FSInfo, error) {
	if path == "" {
		return FSInfo{}, fmt.Errorf("path is empty")
	}
	inspect, err := nearestExistingPath(path)
	if err != nil {
		return FSInfo{}, fmt.Errorf("resolve %q: %w", path, err)
	}
	fsType, err := detector(inspect)
	if err != nil {
		return FSInfo{}, fmt.Errorf("detect filesystem for %q: %w", inspect, err)
	}
	return FSInfo{Path: path, Inspected: inspect, Type: fsType, Network: isNetworkFilesystem(fsType)}, nil
}

// RequireLocal fails when path is on a network filesystem. what and key name
// the file and its config key in the error.
func RequireLocal(path, what, key string) error {
	return requireLocal(path, what, key, detectFilesystemType)
}

func requireLocal(path, what, key string, detector func(string) (string, error)) error {
	info, err := detectFS(path, detector)
	if err != nil {
		return err
	}
	if info.Network {
		return fmt.Errorf(
			"%s %q is on network filesystem %q; it needs a local filesystem for reliable locking. Point %s at a local disk (the backup volume is not a good home either, it is unmounted between runs)",
			what, path, info.Type, key,
		)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
