package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NetworkFilesystemError rejects a SQLite file on a network mount. Locks on
// such mounts do not exclude other hosts, so two instances could claim the
// same job.
type NetworkFilesystemError struct {
	Path   string
	FSType string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("state.path %q is on network filesystem %q: keep SQLite on local disk or set state.driver: postgres",
		e.Path, e.FSType)
}

// fsProbe reports the filesystem type name of an existing path.
type fsProbe func(path string) (string, error)

var remoteFSTypes = []string{"afpfs", "cifs", "nfs", "nfs4", "smbfs", "smb2", "webdav"}

func requireLocalDisk(path string, probe fsProbe) error {
	if path == "" {
		return errors.New("sqlite path is empty")
	}
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve state.path %q: %w", path, err)
	}
	fsType, err := probe(dir)
	if err != nil {
		return fmt.Errorf("probe filesystem of %q: %w", dir, err)
	}
	if isRemoteFS(fsType) {
		return &NetworkFilesystemError{Path: path, FSType: fsType}
	}
	return nil
}

// existingAncestor walks up from path to the first entry that exists, so a
// database that has not been created yet is checked where it will live.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor of %q", path)
		}
		p = parent
	}
}

func isRemoteFS(fsType string) bool {
	t := strings.ToLower(strings.TrimSpace(fsType))
	for _, remote := range remoteFSTypes {
		if t == remote {
			return true
		}
	}
	return false
}
