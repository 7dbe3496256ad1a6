package rededup

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"
	"syscall"
)

// DefaultHashAlgorithm is configured by rebuild when the caller does not
// pick one.
const DefaultHashAlgorithm = "sha256"

// hashChunkSize is the read size used while streaming file content
// through a digest.
const hashChunkSize = 128 * 1024

// Algorithm is a named content hash.
type Algorithm struct {
	Name string
	Size int // digest width in bytes
	New  func() hash.Hash
}

var (
	hashMu sync.Mutex
	hashes = map[string]*Algorithm{
		"sha256": {Name: "sha256", Size: sha256.Size, New: func() hash.Hash { return sha256.New() }},
		"sha512": {Name: "sha512", Size: sha512.Size, New: func() hash.Hash { return sha512.New() }},
	}
)

// RegisterHash makes an algorithm available under name. Tests use this
// to inject colliding hash functions.
func RegisterHash(name string, size int, fn func() hash.Hash) {
	hashMu.Lock()
	defer hashMu.Unlock()
	hashes[name] = &Algorithm{Name: name, Size: size, New: fn}
}

// LookupHash resolves an algorithm by name.
func LookupHash(name string) (algo *Algorithm, err error) {
	hashMu.Lock()
	defer hashMu.Unlock()
	algo, ok := hashes[name]
	if !ok {
		return nil, fmt.Errorf("%w: hash algorithm %s", syscall.ENOSYS, name)
	}
	return algo, nil
}

// HashFile streams the file at path through the algorithm in fixed-size
// chunks and returns the digest and the number of bytes read. It does
// not stat the file; callers read mtime separately before opening so a
// concurrent modification yields a stale signature that the next
// refresh recomputes.
func (algo *Algorithm) HashFile(path string) (digest []byte, n int64, err error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer fh.Close()

	h := algo.New()
	buf := make([]byte, hashChunkSize)
	for {
		var r int
		r, err = fh.Read(buf)
		if r > 0 {
			h.Write(buf[:r])
			n += int64(r)
		}
		if err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			return nil, n, err
		}
	}
	return h.Sum(nil), n, nil
}
