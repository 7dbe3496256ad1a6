package rededup

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sys/unix"
)

// Key space prefixes. c: carries configuration strings, h: carries
// equivalent-class buckets keyed by digest plus big-endian ec id, m:
// carries per-file signatures keyed by encoded path.
var (
	prefixConfig = []byte("c:")
	prefixBucket = []byte("h:")
	prefixSig    = []byte("m:")
)

// Names of well-known configuration entries.
const (
	ConfigHashAlgorithm = "hash-algorithm"
	ConfigTruncating    = "truncating"
)

// errStop may be returned from an iteration callback to end the
// iteration without error.
var errStop = errors.New("stop iteration")

// Store wraps the key-value database under .rededup/ with typed
// accessors for the three key spaces. One Store instance owns the
// database handle and the advisory lock for the life of the process;
// two rededup processes on the same repository are refused at open.
type Store struct {
	db   *leveldb.DB
	lock *os.File
}

// OpenStore opens (creating if needed) the index database inside
// indexDir and takes the advisory lock.
func OpenStore(indexDir string) (st *Store, err error) {
	lockfh, err := os.OpenFile(filepath.Join(indexDir, "lock"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	err = unix.Flock(int(lockfh.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		lockfh.Close()
		return nil, fmt.Errorf("repository index is locked by another process: %w", err)
	}
	db, err := leveldb.OpenFile(filepath.Join(indexDir, "index"), nil)
	if err != nil {
		unix.Flock(int(lockfh.Fd()), unix.LOCK_UN)
		lockfh.Close()
		return nil, errors.Wrapf(err, "cannot open index at %s", indexDir)
	}
	return &Store{db: db, lock: lockfh}, nil
}

// Close releases the database and the advisory lock.
func (st *Store) Close() (err error) {
	if st.db != nil {
		err = st.db.Close()
		st.db = nil
	}
	if st.lock != nil {
		unix.Flock(int(st.lock.Fd()), unix.LOCK_UN)
		st.lock.Close()
		st.lock = nil
	}
	return
}

// Get returns the value stored at key; ok is false when the key is
// absent.
func (st *Store) Get(key []byte) (val []byte, ok bool, err error) {
	val, err = st.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (st *Store) Put(key, val []byte) error {
	return st.db.Put(key, val, nil)
}

func (st *Store) Delete(key []byte) error {
	return st.db.Delete(key, nil)
}

// IterPrefix calls fn for every key carrying prefix, in lexicographic
// key order. Iteration runs against a snapshot, so writes issued
// through this Store while iterating do not disturb the sequence. fn
// may return errStop to end early.
func (st *Store) IterPrefix(prefix []byte, fn func(key, val []byte) error) (err error) {
	snap, err := st.db.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	iter := snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		val := append([]byte(nil), iter.Value()...)
		if err = fn(key, val); err != nil {
			if err == errStop {
				err = nil
			}
			return err
		}
	}
	return iter.Error()
}

// IterAll walks the entire key space in order.
func (st *Store) IterAll(fn func(key, val []byte) error) (err error) {
	snap, err := st.db.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	iter := snap.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		val := append([]byte(nil), iter.Value()...)
		if err = fn(key, val); err != nil {
			if err == errStop {
				err = nil
			}
			return err
		}
	}
	return iter.Error()
}

// Batch collects mutations for one atomic apply. Every multi-key
// mutation that bears on the index invariants goes through a batch.
type Batch struct {
	b *leveldb.Batch
}

func (st *Store) NewBatch() *Batch {
	return &Batch{b: new(leveldb.Batch)}
}

func (b *Batch) Put(key, val []byte) {
	b.b.Put(key, val)
}

func (b *Batch) Delete(key []byte) {
	b.b.Delete(key)
}

func (b *Batch) Len() int {
	return b.b.Len()
}

// Write applies the batch atomically.
func (st *Store) Write(b *Batch) error {
	return st.db.Write(b.b, nil)
}

// GetConfig reads a c: entry.
func (st *Store) GetConfig(name string) (value string, ok bool, err error) {
	val, ok, err := st.Get(configKey(name))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(val), true, nil
}

// PutConfig writes a c: entry.
func (st *Store) PutConfig(name, value string) error {
	return st.Put(configKey(name), []byte(value))
}

// DeleteConfig removes a c: entry.
func (st *Store) DeleteConfig(name string) error {
	return st.Delete(configKey(name))
}

func configKey(name string) []byte {
	key := make([]byte, 0, len(prefixConfig)+len(name))
	key = append(key, prefixConfig...)
	return append(key, name...)
}

// bucketKey builds h:<digest><ec id be32>. Big-endian keeps the
// lexicographic key order equal to numeric ec id order.
func bucketKey(digest []byte, ecID uint32) []byte {
	key := make([]byte, 0, len(prefixBucket)+len(digest)+4)
	key = append(key, prefixBucket...)
	key = append(key, digest...)
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], ecID)
	return append(key, be[:]...)
}

// bucketPrefix covers every bucket of one digest.
func bucketPrefix(digest []byte) []byte {
	key := make([]byte, 0, len(prefixBucket)+len(digest))
	key = append(key, prefixBucket...)
	return append(key, digest...)
}

// parseBucketKey splits a bucket key back into digest and ec id.
func parseBucketKey(key []byte, digestSize int) (digest []byte, ecID uint32, err error) {
	body := key[len(prefixBucket):]
	if len(body) != digestSize+4 {
		return nil, 0, &CorruptIndexError{Key: key, Reason: "bucket key has wrong length"}
	}
	digest = body[:digestSize]
	ecID = binary.BigEndian.Uint32(body[digestSize:])
	return digest, ecID, nil
}

// sigKey builds m:<encoded path>.
func sigKey(rel string) (key []byte, err error) {
	enc, err := EncodePath(rel)
	if err != nil {
		return nil, err
	}
	key = make([]byte, 0, len(prefixSig)+len(enc))
	key = append(key, prefixSig...)
	return append(key, enc...), nil
}

// sigPrefix covers every signature under the directory relDir, at any
// depth. An empty relDir covers the whole m: space.
func sigPrefix(relDir string) (prefix []byte, err error) {
	if relDir == "" || relDir == "." {
		return prefixSig, nil
	}
	return sigKey(relDir)
}

// sigPath recovers the relative path from a signature key.
func sigPath(key []byte) (rel string, err error) {
	rel, err = DecodePath(key[len(prefixSig):])
	if err != nil {
		return "", &CorruptIndexError{Key: key, Reason: err.Error()}
	}
	return rel, nil
}

// removeFromBucket drops rel from the (digest, ecID) bucket, deleting
// the bucket once its last member is gone. The mutation is staged on
// batch; the caller commits.
func removeFromBucket(st *Store, batch *Batch, digest []byte, ecID uint32, rel string) (err error) {
	key := bucketKey(digest, ecID)
	val, ok, err := st.Get(key)
	if err != nil || !ok {
		return err
	}
	paths, err := decodeBucket(val)
	if err != nil {
		return &CorruptIndexError{Key: key, Reason: err.Error()}
	}
	out := paths[:0]
	for _, p := range paths {
		if p != rel {
			out = append(out, p)
		}
	}
	if len(out) == len(paths) {
		return nil
	}
	if len(out) == 0 {
		batch.Delete(key)
		return nil
	}
	enc, err := encodeBucket(out)
	if err != nil {
		return err
	}
	batch.Put(key, enc)
	return nil
}
