package rededup

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func mkstore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	ckt(t, os.Mkdir(filepath.Join(dir, IndexDirName), 0755))
	st, err := OpenStore(filepath.Join(dir, IndexDirName))
	ckt(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStoreGetPutDelete(t *testing.T) {
	st := mkstore(t)

	_, ok, err := st.Get([]byte("c:missing"))
	ckt(t, err)
	tassert(t, !ok, "expected absent key")

	ckt(t, st.Put([]byte("c:x"), []byte("1")))
	val, ok, err := st.Get([]byte("c:x"))
	ckt(t, err)
	tassert(t, ok && string(val) == "1", "expected 1 got %q", val)

	ckt(t, st.Delete([]byte("c:x")))
	_, ok, err = st.Get([]byte("c:x"))
	ckt(t, err)
	tassert(t, !ok, "expected key gone")
}

func TestStoreIterPrefixOrder(t *testing.T) {
	st := mkstore(t)
	ckt(t, st.Put([]byte("m:b\x00"), []byte("2")))
	ckt(t, st.Put([]byte("m:a\x00"), []byte("1")))
	ckt(t, st.Put([]byte("h:zz"), []byte("x")))
	ckt(t, st.Put([]byte("m:c\x00"), []byte("3")))

	var keys []string
	ckt(t, st.IterPrefix(prefixSig, func(key, val []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	tassert(t, len(keys) == 3, "expected 3 keys, got %d", len(keys))
	tassert(t, keys[0] == "m:a\x00" && keys[1] == "m:b\x00" && keys[2] == "m:c\x00",
		"bad order: %q", keys)
}

// Writes issued while iterating must not show up in the running
// iteration.
func TestStoreIterSnapshot(t *testing.T) {
	st := mkstore(t)
	for i := 0; i < 5; i++ {
		ckt(t, st.Put([]byte(fmt.Sprintf("m:f%d\x00", i)), []byte("v")))
	}
	count := 0
	ckt(t, st.IterPrefix(prefixSig, func(key, val []byte) error {
		count++
		return st.Put([]byte(fmt.Sprintf("m:zz%d\x00", count)), []byte("new"))
	}))
	tassert(t, count == 5, "snapshot iteration saw %d keys", count)
}

func TestStoreBatch(t *testing.T) {
	st := mkstore(t)
	ckt(t, st.Put([]byte("c:old"), []byte("x")))

	batch := st.NewBatch()
	batch.Put([]byte("c:a"), []byte("1"))
	batch.Put([]byte("c:b"), []byte("2"))
	batch.Delete([]byte("c:old"))
	ckt(t, st.Write(batch))

	_, ok, err := st.Get([]byte("c:old"))
	ckt(t, err)
	tassert(t, !ok, "expected c:old deleted")
	for _, k := range []string{"c:a", "c:b"} {
		_, ok, err := st.Get([]byte(k))
		ckt(t, err)
		tassert(t, ok, "expected %s present", k)
	}
}

func TestStoreConfig(t *testing.T) {
	st := mkstore(t)
	_, ok, err := st.GetConfig(ConfigHashAlgorithm)
	ckt(t, err)
	tassert(t, !ok, "expected no algorithm yet")

	ckt(t, st.PutConfig(ConfigHashAlgorithm, "sha256"))
	name, ok, err := st.GetConfig(ConfigHashAlgorithm)
	ckt(t, err)
	tassert(t, ok && name == "sha256", "got %q", name)

	ckt(t, st.DeleteConfig(ConfigHashAlgorithm))
	_, ok, err = st.GetConfig(ConfigHashAlgorithm)
	ckt(t, err)
	tassert(t, !ok, "expected algorithm gone")
}

func TestStoreLocking(t *testing.T) {
	dir := t.TempDir()
	ckt(t, os.Mkdir(filepath.Join(dir, IndexDirName), 0755))
	st, err := OpenStore(filepath.Join(dir, IndexDirName))
	ckt(t, err)
	defer st.Close()

	_, err = OpenStore(filepath.Join(dir, IndexDirName))
	tassert(t, err != nil, "expected second open to fail on the lock")
}

func TestBucketKeyOrder(t *testing.T) {
	digest := []byte("0123456789abcdef0123456789abcdef")
	k0 := bucketKey(digest, 0)
	k1 := bucketKey(digest, 1)
	k256 := bucketKey(digest, 256)
	tassert(t, string(k0) < string(k1) && string(k1) < string(k256),
		"big-endian ids must sort numerically")

	_, ecID, err := parseBucketKey(k256, len(digest))
	ckt(t, err)
	tassert(t, ecID == 256, "expected 256 got %d", ecID)
}

func TestSignatureRoundTrip(t *testing.T) {
	ec := uint32(7)
	for _, sig := range []*Signature{
		{Digest: []byte("abcd"), MtimeNs: 123456789, EcID: &ec},
		{Digest: []byte("abcd"), MtimeNs: -5, EcID: nil},
	} {
		buf, err := sig.Encode()
		ckt(t, err)
		back, err := DecodeSignature(buf)
		ckt(t, err)
		tassert(t, string(back.Digest) == string(sig.Digest), "digest mangled")
		tassert(t, back.MtimeNs == sig.MtimeNs, "mtime mangled")
		tassert(t, (back.EcID == nil) == (sig.EcID == nil), "ec id presence mangled")
		if sig.EcID != nil {
			tassert(t, *back.EcID == *sig.EcID, "ec id mangled")
		}
		again, err := back.Encode()
		ckt(t, err)
		tassert(t, string(again) == string(buf), "re-encoding is not byte-stable")
	}
}

func TestBucketRoundTrip(t *testing.T) {
	paths := []string{"a", "b/c", "b/d"}
	buf, err := encodeBucket(paths)
	ckt(t, err)
	back, err := decodeBucket(buf)
	ckt(t, err)
	tassert(t, len(back) == 3 && back[0] == "a" && back[1] == "b/c" && back[2] == "b/d",
		"got %v", back)
}
