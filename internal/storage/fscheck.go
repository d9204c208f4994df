package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a path that resolves to a network mount.
var ErrNetworkFilesystem = errors.New("network filesystem")

var errDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

// fsDetector names the filesystem type holding an existing path.
type fsDetector func(path string) (string, error)

var networkFilesystems = map[string]bool{
	"afpfs": true, "cifs": true, "nfs": true, "nfs4": true,
	"smbfs": true, "smb2": true, "webdav": true,
}

// RequireLocalFilesystem fails when path, or its nearest existing parent,
// sits on a network mount. SQLite locking and flock(2) both misbehave there.
// what names the file in the error and setting the config key that moves it.
// Platforms without detection pass.
func RequireLocalFilesystem(path, what, setting string) error {
	err := requireLocal(path, what, setting, detectFilesystemType)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	return err
}

func requireLocal(path, what, setting string, detect fsDetector) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", what)
	}

	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s path %q: %w", what, path, err)
	}

	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))] {
		return fmt.Errorf("%w: %s %q is on %s, which cannot be locked reliably; point %s at local disk",
			ErrNetworkFilesystem, what, path, fsType, setting)
	}
	return nil
}

// nearestExistingPath walks up from path until it finds something that
// exists, so a database that has not been created yet is judged by its
// eventual parent directory.
func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}
