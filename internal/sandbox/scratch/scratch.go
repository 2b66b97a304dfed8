// Package scratch manages per-session scratch directories on the host.
//
// Every artifact a session writes lives under <root>/<session-id>, so
// concurrent sessions never see each other's files and removing the
// directory removes everything the session left behind.
package scratch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// VirtualRoot is the path sandboxed programs use to address their scratch directory.
const VirtualRoot = "/scratch"

const defaultMaxFileSize = 1 << 20

var ErrPathDenied = errors.New("access denied: path is outside the scratch directory")

// Root is the parent of all session scratch directories.
type Root struct {
	dir string
}

// NewRoot creates the root directory if needed.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving scratch root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}
	return &Root{dir: abs}, nil
}

// Path returns the absolute root path.
func (r *Root) Path() string { return r.dir }

// Create makes the scratch directory for a session. It fails if the
// directory already exists, since session IDs are never reused.
func (r *Root) Create(sessionID string) (*Dir, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\.`) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	p := filepath.Join(r.dir, sessionID)
	if err := os.Mkdir(p, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	return &Dir{SessionID: sessionID, path: p, maxFileSize: defaultMaxFileSize}, nil
}

// Entries lists the session directories currently under the root.
func (r *Root) Entries() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Sweep removes session directories not modified for longer than age.
// Several processes may share a root, so only directories older than any
// live session could be are treated as leftovers of a dead process.
func (r *Root) Sweep(age time.Duration) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, err
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.dir, e.Name())); err != nil {
			return removed, fmt.Errorf("removing stale scratch %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// Dir is one session's scratch directory.
type Dir struct {
	SessionID   string
	path        string
	maxFileSize int64
}

// Path returns the absolute directory path.
func (d *Dir) Path() string { return d.path }

// Mkdir creates a subdirectory and returns its absolute path.
func (d *Dir) Mkdir(name string) (string, error) {
	p := filepath.Join(d.path, name)
	if err := os.MkdirAll(p, 0o777); err != nil {
		return "", fmt.Errorf("creating %s: %w", name, err)
	}
	// Containers run as an unprivileged user and need to write here.
	if err := os.Chmod(p, 0o777); err != nil {
		return "", fmt.Errorf("chmod %s: %w", name, err)
	}
	return p, nil
}

// Remove deletes the directory and everything in it.
func (d *Dir) Remove() error {
	return os.RemoveAll(d.path)
}

// Resolve maps a path used by sandboxed code to a host path, rejecting
// anything that escapes the scratch directory. Relative paths and paths under
// VirtualRoot are accepted.
func (d *Dir) Resolve(p string) (string, error) {
	if p == "" {
		return "", ErrPathDenied
	}

	vp := p
	if !path.IsAbs(vp) {
		vp = path.Join(VirtualRoot, vp)
	}
	vp = path.Clean(vp)
	if vp != VirtualRoot && !strings.HasPrefix(vp, VirtualRoot+"/") {
		return "", ErrPathDenied
	}

	rel := strings.TrimPrefix(vp, VirtualRoot)
	host := filepath.Join(d.path, filepath.FromSlash(rel))
	if host != d.path && !strings.HasPrefix(host, d.path+string(filepath.Separator)) {
		return "", ErrPathDenied
	}
	return host, nil
}

// ReadFile reads a file through Resolve.
func (d *Dir) ReadFile(p string) (string, error) {
	host, err := d.Resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(host)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", p)
		}
		return "", fmt.Errorf("read error: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("is a directory: %s", p)
	}
	if info.Size() > d.maxFileSize {
		return "", fmt.Errorf("file too large: %s", p)
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	return string(data), nil
}

// WriteFile writes a file through Resolve, creating parent directories.
func (d *Dir) WriteFile(p, content string) error {
	if int64(len(content)) > d.maxFileSize {
		return fmt.Errorf("content too large for %s", p)
	}
	host, err := d.Resolve(p)
	if err != nil {
		return err
	}
	if host == d.path {
		return fmt.Errorf("is a directory: %s", p)
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	if err := os.WriteFile(host, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	return nil
}

// Exists reports whether p names an existing file or directory.
func (d *Dir) Exists(p string) bool {
	host, err := d.Resolve(p)
	if err != nil {
		return false
	}
	_, err = os.Stat(host)
	return err == nil
}

// RemoveFile deletes a single file through Resolve.
func (d *Dir) RemoveFile(p string) error {
	host, err := d.Resolve(p)
	if err != nil {
		return err
	}
	if host == d.path {
		return ErrPathDenied
	}
	if err := os.Remove(host); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", p)
		}
		return fmt.Errorf("remove error: %w", err)
	}
	return nil
}
