package lifecycle

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

const DefaultServersDirectory = "servers"

var staticServerIDPattern = regexp.MustCompile(`^.*-\d+$`)

// IsValidStaticServerID reports whether id has the "<name>-<number>" shape static servers use
func IsValidStaticServerID(id string) bool {
	return staticServerIDPattern.MatchString(id)
}

// DirectoryManager owns the on-disk working directories of managed servers.
// STATIC servers live in servers/<group>/<name> and survive deletion;
// DYNAMIC servers get servers/<group>/<name>#<id> and are removed with the server.
type DirectoryManager struct {
	root   string
	logger logging.Logger
}

func NewDirectoryManager(root string, logger logging.Logger) *DirectoryManager {
	if root == "" {
		root = DefaultServersDirectory
	}
	return &DirectoryManager{root: root, logger: logger}
}

func (d *DirectoryManager) Path(info domain.ServerInfo) string {
	if info.Type == domain.ServerTypeStatic {
		return filepath.Join(d.root, info.Group, info.Name)
	}
	return filepath.Join(d.root, info.Group, info.Name+"#"+info.ServerID)
}

func (d *DirectoryManager) Exists(info domain.ServerInfo) bool {
	stat, err := os.Stat(d.Path(info))
	return err == nil && stat.IsDir()
}

// Prepare makes sure the working directory exists and reports whether it was created now.
// An existing STATIC directory is kept as is; an existing DYNAMIC one is emptied first.
func (d *DirectoryManager) Prepare(info domain.ServerInfo) (string, bool, error) {
	path := d.Path(info)

	if d.Exists(info) {
		if info.Type == domain.ServerTypeStatic {
			d.logger.Debugf("Reusing static server directory: %s", path)
			return path, false, nil
		}
		d.logger.Debugf("Refreshing stale dynamic server directory: %s", path)
		if err := removeTree(path); err != nil {
			return "", false, errors.NewIOError("failed to refresh server directory", err).WithContext("path", path)
		}
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return "", false, errors.NewIOError("failed to create server directory", err).WithContext("path", path)
	}
	d.logger.Debugf("Created server directory: %s", path)
	return path, true, nil
}

// Cleanup removes a DYNAMIC server's directory; STATIC directories are preserved
func (d *DirectoryManager) Cleanup(info domain.ServerInfo) error {
	if info.Type == domain.ServerTypeStatic {
		d.logger.Debugf("Preserving static server directory: %s", info.ServerID)
		return nil
	}

	path := info.WorkingDirectory
	if path == "" {
		path = d.Path(info)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := removeTree(path); err != nil {
		d.logger.Errorf("Failed to cleanup directory for %s: %v", info.ServerID, err)
		return errors.NewIOError("failed to remove server directory", err).WithContext("path", path)
	}
	d.logger.Debugf("Cleaned up dynamic server directory: %s", path)
	return nil
}

// removeTree makes everything writable first so read-only files written by servers do not block removal
func removeTree(path string) error {
	_ = filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, statErr := entry.Info(); statErr == nil {
			_ = os.Chmod(p, info.Mode().Perm()|0200)
		}
		return nil
	})
	return os.RemoveAll(path)
}
