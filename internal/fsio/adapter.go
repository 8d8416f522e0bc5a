// Package fsio translates between engine-visible paths and the shared
// filesystem mount that remote containers see. The backend mounts the
// filesystem inside containers at the same absolute path it is mounted
// locally, so translation is root-relative bookkeeping plus verification.
package fsio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Adapter resolves mount-relative paths against the shared filesystem root.
//
// The mount is concurrently read and written by all running remote jobs
// with no enforced isolation between them; callers needing isolation must
// not share a mount root across untrusted tasks.
type Adapter struct {
	root string
}

// New validates the mount root: it must be absolute and not "/".
func New(root string) (*Adapter, error) {
	clean := filepath.Clean(root)
	if !strings.HasPrefix(clean, "/") || clean == "/" {
		return nil, fmt.Errorf("shared filesystem root must be an absolute path below /, got %q", root)
	}
	return &Adapter{root: clean}, nil
}

// Root returns the local (and in-container) mount point.
func (a *Adapter) Root() string { return a.root }

// HostPath resolves a mount-relative path to an absolute local path.
func (a *Adapter) HostPath(rel string) string {
	return filepath.Join(a.root, rel)
}

// RelPath converts an absolute path under the mount back to mount-relative
// form. Paths outside the mount are an error: a remote container could
// never have produced them.
func (a *Adapter) RelPath(abs string) (string, error) {
	clean := filepath.Clean(abs)
	if clean != a.root && !strings.HasPrefix(clean, a.root+"/") {
		return "", fmt.Errorf("path %q is outside the shared filesystem root %q", abs, a.root)
	}
	rel, err := filepath.Rel(a.root, clean)
	if err != nil {
		return "", fmt.Errorf("relativizing %q: %w", abs, err)
	}
	return rel, nil
}

// VerifyOutputs checks that each declared mount-relative output exists,
// returning the absolute paths of those present and the relative paths of
// those missing.
func (a *Adapter) VerifyOutputs(outputs []string) (present []string, missing []string) {
	for _, rel := range outputs {
		host := a.HostPath(rel)
		if _, err := os.Stat(host); err != nil {
			missing = append(missing, rel)
			continue
		}
		present = append(present, host)
	}
	return present, missing
}
