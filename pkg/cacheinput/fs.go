package cacheinput

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// FS is the abstract source filesystem spec.md §1 says the core assumes:
// something that resolves symlinks and hands back a path's bytes plus the
// (mtime, inode) pair the cache's per-image table records (spec.md §6
// ImageInfo). The core never opens files directly — every dylib's bytes
// flow through this interface so the driver can swap in an mmap-backed,
// archive-backed, or purely in-memory implementation without touching C1.
type FS interface {
	// ReadFile returns the full contents of path plus its modification
	// time (as a raw timespec-seconds value) and inode number.
	ReadFile(path string) (data []byte, mtime uint64, inode uint64, err error)
	// Readlink resolves a single symlink hop; callers loop until they hit
	// a non-symlink or a cycle-detection bound.
	Readlink(path string) (target string, err error)
	// Release gives back any resources (e.g. an mmap) associated with path.
	Release(path string)
}

// ManifestFS implements FS over an in-memory manifest of (path, bytes) pairs
// and (symlink, target) pairs, exactly spec.md §6's input shape. It mmaps
// nothing; it exists so the CLI harness and tests can hand the builder a
// manifest without touching the real filesystem.
type ManifestFS struct {
	files    map[string][]byte
	symlinks map[string]string
	mtimes   map[string]uint64
	inodes   map[string]uint64
}

// NewManifestFS builds a ManifestFS. inode is synthesized as the file's
// 1-based index in sorted path order so (mtime, inode) pairs stay stable
// across builds of the same manifest.
func NewManifestFS(files map[string][]byte, symlinks map[string]string) *ManifestFS {
	fs := &ManifestFS{
		files:    files,
		symlinks: symlinks,
		mtimes:   make(map[string]uint64, len(files)),
		inodes:   make(map[string]uint64, len(files)),
	}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for i, path := range paths {
		fs.inodes[path] = uint64(i + 1)
		fs.mtimes[path] = 0
	}
	return fs
}

// SetModTime overrides the synthesized mtime for a path (tests only need
// determinism, not wall-clock realism).
func (m *ManifestFS) SetModTime(path string, mtime uint64) {
	m.mtimes[path] = mtime
}

func (m *ManifestFS) ReadFile(path string) ([]byte, uint64, uint64, error) {
	b, ok := m.files[path]
	if !ok {
		return nil, 0, 0, fmt.Errorf("no such input path: %s", path)
	}
	return b, m.mtimes[path], m.inodes[path], nil
}

func (m *ManifestFS) Readlink(path string) (string, error) {
	target, ok := m.symlinks[path]
	if !ok {
		return "", fmt.Errorf("not a symlink: %s", path)
	}
	return target, nil
}

func (m *ManifestFS) Release(path string) {}

// MmapFS reads input dylibs by mmapping them read-only, per spec.md §5's
// resource policy ("Input dylibs are mmap'd read-only via the abstract
// file system; each is unmapped the moment C7 finishes with it").
type MmapFS struct {
	root     string
	mappings map[string][]byte
	symlinks map[string]string
}

// NewMmapFS roots relative manifest paths at root (pass "" to treat paths
// as already absolute).
func NewMmapFS(root string) *MmapFS {
	return &MmapFS{root: root, mappings: make(map[string][]byte)}
}

// AddSymlink records a from -> to mapping Readlink reports before it ever
// consults the real filesystem, for callers (the CLI's --add-symlink flag)
// that need to synthesize a symlink the source tree doesn't actually have.
func (m *MmapFS) AddSymlink(from, to string) {
	if m.symlinks == nil {
		m.symlinks = make(map[string]string)
	}
	m.symlinks[from] = to
}

func (m *MmapFS) resolve(path string) string {
	if m.root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.root, path)
}

func (m *MmapFS) ReadFile(path string) ([]byte, uint64, uint64, error) {
	full := m.resolve(path)
	info, err := os.Stat(full)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("stat %s: %w", full, err)
	}
	if info.Size() == 0 {
		return nil, 0, 0, fmt.Errorf("empty input file: %s", full)
	}

	fd, err := unix.Open(full, unix.O_RDONLY, 0)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open %s: %w", full, err)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("mmap %s: %w", full, err)
	}
	m.mappings[path] = data
	return data, uint64(info.ModTime().Unix()), inodeOf(info), nil
}

func (m *MmapFS) Readlink(path string) (string, error) {
	if target, ok := m.symlinks[path]; ok {
		return target, nil
	}
	full := m.resolve(path)
	return os.Readlink(full)
}

// Release unmaps the backing pages for path. pkg/cachebuild.Build does
// not call it, so mappings made during a build stay in place until the
// caller releases them.
func (m *MmapFS) Release(path string) {
	if data, ok := m.mappings[path]; ok {
		_ = unix.Munmap(data)
		delete(m.mappings, path)
	}
}
