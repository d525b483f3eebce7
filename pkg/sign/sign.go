// Package sign implements spec.md §4.9, the code signer (C9): it emits
// an ad-hoc embedded code signature — a SuperBlob holding a
// CodeDirectory (or, in Agile mode, a SHA-1 CodeDirectory plus a SHA-256
// alternate), an empty Requirements blob, and an empty CMS wrapper —
// over the finished cache image, then folds the code directory's own
// hash back into the cache's UUID field.
//
// Grounded on pkg/codesign/types.Sign, the teacher's own ad-hoc Mach-O
// signer: this package reuses its SuperBlob/Blob/CodeDirectoryType wire
// types and encoders (exported here as Put/PutHeader) rather than
// redefining them, generalizing the teacher's fixed-4-KiB-page,
// single-SHA-256, no-UUID signer into one that supports the cache's
// larger page sizes, Agile dual digests, and the UUID-in-code-directory
// dependency spec.md §4.9 step 3 describes. Page hashing runs across a
// golang.org/x/sync/errgroup pool per spec.md §5's "C9 page hashing:
// parallel over pages."
package sign

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"math/bits"

	"golang.org/x/sync/errgroup"

	cstypes "github.com/PureDarwin/dyldcache/pkg/codesign/types"
)

// Digest selects spec.md §4.9's two supported digest policies.
type Digest int

const (
	// DigestSHA256Only emits a single SHA-256 CodeDirectory.
	DigestSHA256Only Digest = iota
	// DigestAgile emits both a SHA-1 CodeDirectory (the primary slot,
	// for older verifiers) and a SHA-256 alternate.
	DigestAgile
)

// Config parameterizes one cache image's signature.
type Config struct {
	PageSize   uint64 // 4096 or 16384, per architecture
	Digest     Digest
	Identifier string
	// UUIDOffset is the byte offset, within data, of the cache header's
	// 16-byte UUID field (always inside page 0).
	UUIDOffset uint64
}

// Result is one completed signature: the bytes to append after the
// cache's link-edit region, the final UUID folded into the image, and
// the identifying cdHash spec.md §4.9 says callers receive.
type Result struct {
	Signature []byte
	UUID      [16]byte
	CDHash    [20]byte
}

func validatePageSize(pageSize uint64) error {
	if pageSize != 4096 && pageSize != 16384 {
		return fmt.Errorf("sign: unsupported page size %d", pageSize)
	}
	return nil
}

// hashKind pairs a digest size with the closure that stamps a
// CodeDirectoryType's HashType field — a level of indirection that
// lets buildCodeDirectory stay generic without this package ever
// needing to spell pkg/codesign/types' unexported hash-type type.
type hashKind struct {
	size int
	set  func(*cstypes.CodeDirectoryType)
}

var (
	sha256Kind = hashKind{size: sha256.Size, set: func(cd *cstypes.CodeDirectoryType) { cd.HashType = cstypes.HASHTYPE_SHA256 }}
	sha1Kind   = hashKind{size: sha1.Size, set: func(cd *cstypes.CodeDirectoryType) { cd.HashType = cstypes.HASHTYPE_SHA1 }}
)

// codeDirectory is one built-and-encoded CodeDirectory blob, tracking
// where its hash slots start so the UUID/page-0 patch step can find
// slot 0 without re-parsing the bytes.
type codeDirectory struct {
	data        []byte
	hashOffset  int
	hashSize    int
}

func pageBytes(data []byte, pageSize uint64, page int) []byte {
	start := uint64(page) * pageSize
	end := start + pageSize
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[start:end]
}

// hashPages computes every page's hash(es) across a worker pool
// (spec.md §5: "C9 page hashing: parallel over pages").
func hashPages(data []byte, pageSize uint64, agile bool) (sha256s, sha1s [][]byte, err error) {
	n := (len(data) + int(pageSize) - 1) / int(pageSize)
	sha256s = make([][]byte, n)
	if agile {
		sha1s = make([][]byte, n)
	}

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			page := pageBytes(data, pageSize, i)
			h := sha256.Sum256(page)
			sha256s[i] = append([]byte(nil), h[:]...)
			if agile {
				h1 := sha1.Sum(page)
				sha1s[i] = append([]byte(nil), h1[:]...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return sha256s, sha1s, nil
}

// buildCodeDirectory encodes one CodeDirectory blob (spec.md §4.9:
// "populate a code-directory blob"): header, identifier string, then
// one digest per page in hashes.
func buildCodeDirectory(cfg Config, codeSize int64, hashes [][]byte, kind hashKind) codeDirectory {
	id := cfg.Identifier
	idOff := cstypes.CodeDirectoryHeaderSize
	hashOff := idOff + len(id) + 1
	total := hashOff + len(hashes)*kind.size

	cd := cstypes.CodeDirectoryType{
		Magic:       cstypes.MAGIC_CODEDIRECTORY,
		Length:      uint32(total),
		Version:     cstypes.SUPPORTS_EXECSEG,
		Flags:       cstypes.ADHOC,
		HashOffset:  uint32(hashOff),
		IdentOffset: uint32(idOff),
		NCodeSlots:  uint32(len(hashes)),
		CodeLimit:   uint32(codeSize),
		HashSize:    uint8(kind.size),
		PageSize:    pageSizeBits(cfg.PageSize),
	}
	kind.set(&cd)

	out := make([]byte, 0, total)
	var hdr [cstypes.CodeDirectoryHeaderSize]byte
	hdrOut := cd.Put(hdr[:0])
	out = append(out, hdrOut...)
	out = append(out, id...)
	out = append(out, 0)
	for _, h := range hashes {
		out = append(out, h...)
	}

	return codeDirectory{data: out, hashOffset: hashOff, hashSize: kind.size}
}

func pageSizeBits(pageSize uint64) uint8 {
	return uint8(bits.TrailingZeros64(pageSize))
}

func (cd codeDirectory) patchSlot0(hash []byte) {
	copy(cd.data[cd.hashOffset:cd.hashOffset+cd.hashSize], hash)
}

// assembleSuperBlob lays out the SuperBlob header, its BlobIndex table,
// and each blob's bytes back-to-back, in the fixed order: primary
// CodeDirectory, optional SHA-256 alternate, empty Requirements, empty
// CMS wrapper (spec.md §4.9: "a SuperBlob containing a CodeDirectory,
// empty Requirements, and empty CMS wrapper").
func assembleSuperBlob(directories []codeDirectory) []byte {
	type entry struct {
		typ  cstypes.SlotType
		data []byte
	}
	var entries []entry
	if len(directories) == 2 {
		entries = append(entries,
			entry{cstypes.CSSLOT_CODEDIRECTORY, directories[0].data},
			entry{cstypes.CSSLOT_ALTERNATE_CODEDIRECTORIES, directories[1].data},
		)
	} else {
		entries = append(entries, entry{cstypes.CSSLOT_CODEDIRECTORY, directories[0].data})
	}

	reqBlob := cstypes.NewEmptyBlob(cstypes.MAGIC_REQUIREMENTS)
	var reqHdr [cstypes.BlobHeaderSize]byte
	entries = append(entries, entry{cstypes.CSSLOT_REQUIREMENTS, reqBlob.PutHeader(reqHdr[:0])})

	cmsBlob := cstypes.NewEmptyBlob(cstypes.MAGIC_BLOBWRAPPER)
	var cmsHdr [cstypes.BlobHeaderSize]byte
	entries = append(entries, entry{cstypes.CSSLOT_CMS_SIGNATURE, cmsBlob.PutHeader(cmsHdr[:0])})

	indexSize := len(entries) * 8 // BlobIndex: 4-byte type + 4-byte offset, big-endian
	headerSize := cstypes.SuperBlobHeaderSize + indexSize
	total := headerSize
	for _, e := range entries {
		total += len(e.data)
	}

	out := make([]byte, 0, total)
	sb := cstypes.SuperBlob{Magic: cstypes.MAGIC_EMBEDDED_SIGNATURE, Length: uint32(total), Count: uint32(len(entries))}
	out = sb.PutHeader(out)

	offset := uint32(headerSize)
	for _, e := range entries {
		out = put32beAppend(out, uint32(e.typ))
		out = put32beAppend(out, offset)
		offset += uint32(len(e.data))
	}
	for _, e := range entries {
		out = append(out, e.data...)
	}
	return out
}

func put32beAppend(out []byte, v uint32) []byte {
	return append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func deriveUUID(cd []byte) [16]byte {
	h := sha256.Sum256(cd)
	var uuid [16]byte
	copy(uuid[:], h[:16])
	return uuid
}

// Sign computes page hashes over data, builds the code directory
// (directories, in Agile mode), derives the cache UUID from the
// completed directory's hash and writes it into data at cfg.UUIDOffset,
// then re-hashes the now-changed page 0 so every slot stays consistent
// with the bytes it actually covers (spec.md §4.9 steps 1-3). data is
// mutated in place for the UUID write; Result.Signature is the
// separate SuperBlob to append after it.
func Sign(data []byte, cfg Config) (*Result, error) {
	if err := validatePageSize(cfg.PageSize); err != nil {
		return nil, err
	}
	if cfg.UUIDOffset+16 > uint64(len(data)) {
		return nil, fmt.Errorf("sign: UUID offset %#x out of range", cfg.UUIDOffset)
	}

	for i := 0; i < 16; i++ {
		data[cfg.UUIDOffset+uint64(i)] = 0
	}

	sha256Hashes, sha1Hashes, err := hashPages(data, cfg.PageSize, cfg.Digest == DigestAgile)
	if err != nil {
		return nil, err
	}

	codeSize := int64(len(data))
	primary := buildCodeDirectory(cfg, codeSize, sha256Hashes, sha256Kind)
	var directories []codeDirectory
	if cfg.Digest == DigestAgile {
		legacy := buildCodeDirectory(cfg, codeSize, sha1Hashes, sha1Kind)
		directories = []codeDirectory{legacy, primary}
	} else {
		directories = []codeDirectory{primary}
	}

	uuid := deriveUUID(directories[len(directories)-1].data)
	copy(data[cfg.UUIDOffset:cfg.UUIDOffset+16], uuid[:])

	// Page 0's content just changed (it holds the UUID field); redo its
	// hash and patch the corresponding slot in every code directory.
	page0 := pageBytes(data, cfg.PageSize, 0)
	newSHA256 := sha256.Sum256(page0)
	for _, cd := range directories {
		if cd.hashSize == sha256.Size {
			cd.patchSlot0(newSHA256[:])
		}
	}
	if cfg.Digest == DigestAgile {
		newSHA1 := sha1.Sum(page0)
		for _, cd := range directories {
			if cd.hashSize == sha1.Size {
				cd.patchSlot0(newSHA1[:])
			}
		}
	}

	finalCD := directories[len(directories)-1].data
	cdHashFull := sha256.Sum256(finalCD)
	var cdHash [20]byte
	copy(cdHash[:], cdHashFull[:20])

	return &Result{
		UUID:      uuid,
		CDHash:    cdHash,
		Signature: assembleSuperBlob(directories),
	}, nil
}
