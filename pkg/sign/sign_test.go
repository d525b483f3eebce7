package sign

import (
	"bytes"
	"crypto/sha256"
	"testing"

	cstypes "github.com/PureDarwin/dyldcache/pkg/codesign/types"
)

func TestSignRejectsBadPageSize(t *testing.T) {
	data := make([]byte, 4096)
	_, err := Sign(data, Config{PageSize: 100, Identifier: "x"})
	if err == nil {
		t.Fatal("expected an error for an unsupported page size")
	}
}

func TestSignRejectsUUIDOffsetOutOfRange(t *testing.T) {
	data := make([]byte, 16)
	_, err := Sign(data, Config{PageSize: 4096, UUIDOffset: 8})
	if err == nil {
		t.Fatal("expected an error when the UUID field doesn't fit in data")
	}
}

func TestSignStampsDerivedUUID(t *testing.T) {
	data := make([]byte, 8192)
	for i := range data {
		data[i] = 0xAB
	}
	uuidOff := uint64(16)

	res, err := Sign(data, Config{PageSize: 4096, Identifier: "com.puredarwin.dyldcache", UUIDOffset: uuidOff})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(data[uuidOff:uuidOff+16], make([]byte, 16)) {
		t.Fatal("Sign should overwrite the zeroed placeholder with the derived UUID")
	}
	if res.UUID == ([16]byte{}) {
		t.Fatal("derived UUID must not be all-zero")
	}
	if !bytes.Equal(data[uuidOff:uuidOff+16], res.UUID[:]) {
		t.Fatal("data's UUID field must match the returned UUID")
	}
}

func TestSignSHA256OnlyProducesSingleCodeDirectory(t *testing.T) {
	data := make([]byte, 4096*3)
	res, err := Sign(data, Config{PageSize: 4096, Digest: DigestSHA256Only, Identifier: "com.puredarwin.dyldcache"})
	if err != nil {
		t.Fatal(err)
	}

	count := binaryBigEndianUint32(res.Signature[8:12])
	if count != 3 {
		t.Fatalf("expected SuperBlob with CodeDirectory + Requirements + CMS = 3 entries, got %d", count)
	}
	if res.CDHash == ([20]byte{}) {
		t.Fatal("cdHash must not be all-zero")
	}
}

func TestSignAgileProducesTwoCodeDirectories(t *testing.T) {
	data := make([]byte, 4096*2)
	res, err := Sign(data, Config{PageSize: 4096, Digest: DigestAgile, Identifier: "com.puredarwin.dyldcache"})
	if err != nil {
		t.Fatal(err)
	}

	count := binaryBigEndianUint32(res.Signature[8:12])
	if count != 4 {
		t.Fatalf("expected Agile SuperBlob with 2 code directories + Requirements + CMS = 4 entries, got %d", count)
	}
}

func TestSignPageZeroHashReflectsFinalUUID(t *testing.T) {
	data := make([]byte, 4096*2)
	res, err := Sign(data, Config{PageSize: 4096, Digest: DigestSHA256Only, Identifier: "id", UUIDOffset: 0})
	if err != nil {
		t.Fatal(err)
	}

	// Recover the primary CodeDirectory's first hash slot from the
	// signature and confirm it matches page 0 as it now stands (after
	// the UUID was stamped in), not as it stood before patching.
	cdOffset := binaryBigEndianUint32(res.Signature[cstypes.SuperBlobHeaderSize+4 : cstypes.SuperBlobHeaderSize+8])
	cd := res.Signature[cdOffset:]
	hashOff := binaryBigEndianUint32(cd[16:20])
	idOff := binaryBigEndianUint32(cd[20:24])
	idLen := int(hashOff) - int(idOff) - 1
	_ = idLen

	wantHash := sha256.Sum256(data[:4096])
	gotHash := cd[hashOff : hashOff+32]
	if !bytes.Equal(gotHash, wantHash[:]) {
		t.Fatal("page 0's signed hash must match its post-UUID-patch content")
	}
}

func binaryBigEndianUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
