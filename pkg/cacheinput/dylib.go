// Package cacheinput implements spec.md §4.1, the Input filter (C1): load
// candidate dylibs, classify and reject ineligible ones, close the
// transitive self-contained dependency set, and evict leaf dylibs on
// request from the layout planner (C4).
package cacheinput

import (
	"bytes"
	"fmt"
	"path"

	"github.com/PureDarwin/dyldcache"
	"github.com/PureDarwin/dyldcache/pkg/diag"
	"github.com/PureDarwin/dyldcache/types"
)

// Dependency is one entry of a dylib's ordered dependency list (spec.md §3).
type Dependency struct {
	InstallName string
	Weak        bool
	ReExport    bool
}

// SectionInfo is the per-section detail spec.md §3 says a segment carries.
type SectionInfo struct {
	Name   string
	Addr   uint64
	Size   uint64
	Offset uint32
	Flags  types.SectionFlag
}

// SegmentInfo is one (dylib, segment) entry of spec.md §3's data model,
// before any layout decision has been made.
type SegmentInfo struct {
	Name        string
	VMAddr      uint64
	InitProt    types.VmProtection
	MaxProt     types.VmProtection
	Align       uint32 // p2align, as in the source section headers
	VMSize      uint64
	FileSize    uint64
	FileOffset  uint64
	Sections    []SectionInfo
}

// Dylib is spec.md §3's "Input dylib": a parsed binary plus the metadata C1
// through C6 need. MachoFile stays populated for C6's content rewrite and
// for the header patching after C7; pkg/cachebuild.Build never clears it
// and never calls FS.Release, so its backing bytes are held until the
// Dylib itself is dropped.
type Dylib struct {
	Path        string
	InstallName string
	ModTime     uint64
	Inode       uint64

	MachoFile *macho.File

	Segments     []SegmentInfo
	Dependencies []Dependency

	HasChainedFixups bool
	HasSplitSegV2    bool
	SplitSegInfo     []byte

	// MustInclude marks a dylib the caller tagged as required; failing to
	// place it is a hard failure rather than a warning (spec.md §4.1).
	MustInclude bool

	// priority is this dylib's index in the caller-supplied order file,
	// or -1 if unordered. Lower is higher priority (spec.md §4.1, §4.4).
	priority int
}

// Priority returns the order-file rank (lower is kept longer under
// eviction pressure), or -1 if the dylib has none.
func (d *Dylib) Priority() int { return d.priority }

// TotalSize sums the file size of every segment, the unit evictLeaves and
// the layout planner budget against.
func (d *Dylib) TotalSize() uint64 {
	var sz uint64
	for _, s := range d.Segments {
		sz += s.FileSize
	}
	return sz
}

func segmentInfoFrom(seg *macho.Segment) SegmentInfo {
	si := SegmentInfo{
		Name:       seg.Name,
		VMAddr:     seg.Addr,
		InitProt:   seg.Prot,
		MaxProt:    seg.Maxprot,
		VMSize:     seg.Memsz,
		FileSize:   seg.Filesz,
		FileOffset: seg.Offset,
	}
	return si
}

// loadDylib parses a single input's bytes into a Dylib record. kind
// reports whether the binary is a shared library, bundle, or executable,
// as classified from its Mach-O header type.
func loadDylib(fsys FS, path string) (*Dylib, types.HeaderFileType, error) {
	data, mtime, inode, err := fsys.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}

	mf, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("parse %s: %w", path, err)
	}

	d := &Dylib{
		Path:     path,
		ModTime:  mtime,
		Inode:    inode,
		priority: -1,
	}
	d.MachoFile = mf

	if id := mf.DylibID(); id != nil {
		d.InstallName = id.Name
	} else {
		d.InstallName = path
	}

	for _, seg := range mf.Segments() {
		info := segmentInfoFrom(seg)
		for _, sec := range mf.GetSectionsForSegment(seg.Name) {
			info.Sections = append(info.Sections, SectionInfo{
				Name:   sec.Name,
				Addr:   sec.Addr,
				Size:   sec.Size,
				Offset: sec.Offset,
				Flags:  sec.Flags,
			})
		}
		d.Segments = append(d.Segments, info)
	}

	for _, l := range mf.Loads {
		switch c := l.(type) {
		case *macho.Dylib:
			d.Dependencies = append(d.Dependencies, Dependency{InstallName: c.Name})
		case *macho.WeakDylib:
			d.Dependencies = append(d.Dependencies, Dependency{InstallName: c.Name, Weak: true})
		case *macho.ReExportDylib:
			d.Dependencies = append(d.Dependencies, Dependency{InstallName: c.Name, ReExport: true})
		}
	}

	d.HasChainedFixups = mf.HasFixups()
	for _, l := range mf.Loads {
		if si, ok := l.(*macho.SplitInfo); ok {
			d.HasSplitSegV2 = si.Version == types.DYLD_CACHE_ADJ_V2_FORMAT
			d.SplitSegInfo = si.LoadBytes.Raw()
			break
		}
	}

	return d, mf.Type, nil
}

// allowListed reports whether installName is rejected outright by a
// per-platform denylist prefix (spec.md §4.1 "exclude by per-platform
// allow-list"). An empty denylist allows everything.
func allowListed(installName string, denylist []string) bool {
	for _, p := range denylist {
		if p != "" && pathHasPrefix(installName, p) {
			return false
		}
	}
	return true
}

func pathHasPrefix(p, prefix string) bool {
	clean := path.Clean(p)
	return clean == prefix || (len(clean) > len(prefix) && clean[:len(prefix)] == prefix && clean[len(prefix)] == '/')
}

// LoadResult is the classified output of Load.
type LoadResult struct {
	Cacheable   []*Dylib
	Other       []*Dylib
	Executables []*Dylib
	Diag        *diag.Diagnostic
}

// ByInstallName indexes a dylib slice for dependency-graph lookups.
func ByInstallName(dylibs []*Dylib) map[string]*Dylib {
	m := make(map[string]*Dylib, len(dylibs))
	for _, d := range dylibs {
		m[d.InstallName] = d
	}
	return m
}

// Load maps each path, classifies it as shared-library / bundle /
// executable, excludes by per-platform allow-list, and resolves duplicate
// install-names by keeping the one whose on-disk path equals its install
// name (spec.md §4.1).
func Load(fsys FS, paths []string, mustInclude map[string]bool, denylist []string) (*LoadResult, error) {
	res := &LoadResult{Diag: &diag.Diagnostic{}}
	byInstall := make(map[string]*Dylib)

	for _, p := range paths {
		d, kind, err := loadDylib(fsys, p)
		if err != nil {
			res.Diag.Warn(p, "unloadable: %v", err)
			continue
		}
		if mustInclude[p] || mustInclude[d.InstallName] {
			d.MustInclude = true
		}

		switch kind {
		case types.MH_EXECUTE:
			res.Executables = append(res.Executables, d)
			continue
		case types.MH_DYLIB, types.MH_DYLIB_STUB:
			// fall through to cacheable classification below
		default:
			res.Diag.Warn(p, "rejected: not a shared library (type %s)", kind)
			res.Other = append(res.Other, d)
			continue
		}

		if !allowListed(d.InstallName, denylist) {
			res.Diag.Warn(p, "rejected: excluded by platform allow-list")
			res.Other = append(res.Other, d)
			continue
		}

		if existing, dup := byInstall[d.InstallName]; dup {
			// Keep the one whose on-disk path equals its install name.
			if existing.Path == existing.InstallName {
				res.Diag.Warn(p, "rejected: duplicate install name %s (keeping %s)", d.InstallName, existing.Path)
				res.Other = append(res.Other, d)
				continue
			}
			if d.Path == d.InstallName {
				res.Diag.Warn(existing.Path, "rejected: duplicate install name %s (keeping %s)", existing.InstallName, d.Path)
				res.Other = append(res.Other, existing)
				delete(byInstall, existing.InstallName)
				for i, c := range res.Cacheable {
					if c == existing {
						res.Cacheable = append(res.Cacheable[:i], res.Cacheable[i+1:]...)
						break
					}
				}
			} else {
				res.Diag.Warn(p, "rejected: duplicate install name %s (keeping %s)", d.InstallName, existing.Path)
				res.Other = append(res.Other, d)
				continue
			}
		}

		byInstall[d.InstallName] = d
		res.Cacheable = append(res.Cacheable, d)
	}

	if mustInclude != nil {
		for _, d := range res.Other {
			if d.MustInclude {
				res.Diag.Fail(diag.New(diag.InputRejected, d.InstallName,
					"required dylib could not be placed in the cache"))
			}
		}
	}

	return res, res.Diag.Err()
}
