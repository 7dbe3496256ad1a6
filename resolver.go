package rededup

import (
	"os"
	"sort"

	"github.com/hlubek/readercomp"
	log "github.com/sirupsen/logrus"
)

// compareChunkSize is the block size for byte-level file comparison.
const compareChunkSize = 128 * 1024

// Resolver places freshly hashed files into equivalent classes. All of
// its store mutations run on the single writer stage, so each call
// observes a quiescent index and commits its whole effect in one batch.
type Resolver struct {
	store *Store
	root  string
}

func NewResolver(store *Store, root string) *Resolver {
	return &Resolver{store: store, root: root}
}

// bucketState is one equivalent class as loaded from the store.
type bucketState struct {
	ecID  uint32
	paths []string
}

// loadBuckets returns the buckets for digest in ascending ec id order;
// the big-endian key layout makes plain prefix iteration sufficient.
func loadBuckets(st *Store, digest []byte) (buckets []bucketState, err error) {
	err = st.IterPrefix(bucketPrefix(digest), func(key, val []byte) error {
		_, ecID, err := parseBucketKey(key, len(digest))
		if err != nil {
			return err
		}
		paths, err := decodeBucket(val)
		if err != nil {
			return &CorruptIndexError{Key: key, Reason: err.Error()}
		}
		buckets = append(buckets, bucketState{ecID: ecID, paths: paths})
		return nil
	})
	return
}

// smallestUnusedID returns the smallest non-negative id not taken by
// any bucket in the slice.
func smallestUnusedID(buckets []bucketState) uint32 {
	used := make(map[uint32]bool, len(buckets))
	for _, bucket := range buckets {
		used[bucket.ecID] = true
	}
	var id uint32
	for used[id] {
		id++
	}
	return id
}

// Resolve assigns rel (already hashed to digest) to an equivalent class
// and commits the bucket update together with the completed signature
// atomically. Buckets are tried in ascending ec id order; within a
// bucket the representative is the first member whose content can still
// be read. Members found unreadable are pruned from the bucket, and
// their orphaned signatures dropped, in the same batch. When no bucket
// matches, the file gets a new class under the smallest unused id.
func (rv *Resolver) Resolve(rel string, digest []byte, mtimeNs int64) (ecID uint32, err error) {
	buckets, err := loadBuckets(rv.store, digest)
	if err != nil {
		return 0, err
	}

	batch := rv.store.NewBatch()

	// Already a member (e.g. an import raced a refresh): just complete
	// the signature.
	for _, bucket := range buckets {
		for _, member := range bucket.paths {
			if member == rel {
				return bucket.ecID, rv.commitSignature(batch, rel, digest, mtimeNs, bucket.ecID)
			}
		}
	}

	candAbs := absPath(rv.root, rel)
	var survivors []bucketState
	for _, bucket := range buckets {
		match, remaining, cerr := rv.compareAgainst(batch, digest, candAbs, bucket)
		if cerr != nil {
			return 0, cerr
		}
		if len(remaining) == 0 {
			batch.Delete(bucketKey(digest, bucket.ecID))
			continue
		}
		if match {
			members := append(remaining, rel)
			sort.Strings(members)
			enc, eerr := encodeBucket(members)
			if eerr != nil {
				return 0, eerr
			}
			batch.Put(bucketKey(digest, bucket.ecID), enc)
			return bucket.ecID, rv.commitSignature(batch, rel, digest, mtimeNs, bucket.ecID)
		}
		if len(remaining) != len(bucket.paths) {
			enc, eerr := encodeBucket(remaining)
			if eerr != nil {
				return 0, eerr
			}
			batch.Put(bucketKey(digest, bucket.ecID), enc)
		}
		survivors = append(survivors, bucketState{ecID: bucket.ecID, paths: remaining})
	}

	ecID = smallestUnusedID(survivors)
	enc, err := encodeBucket([]string{rel})
	if err != nil {
		return 0, err
	}
	batch.Put(bucketKey(digest, ecID), enc)
	return ecID, rv.commitSignature(batch, rel, digest, mtimeNs, ecID)
}

// compareAgainst byte-compares the candidate against one representative
// of bucket. Unreadable members are dropped from the returned member
// list and their signatures staged for deletion; remaining holds the
// surviving members. A read failure on the candidate itself is an
// error.
func (rv *Resolver) compareAgainst(batch *Batch, digest []byte, candAbs string, bucket bucketState) (match bool, remaining []string, err error) {
	remaining = bucket.paths
	for len(remaining) > 0 {
		member := remaining[0]
		memberFh, merr := os.Open(absPath(rv.root, member))
		if merr != nil {
			log.Warnf("pruning unreadable class member %s: %v", member, merr)
			remaining = remaining[1:]
			key, kerr := sigKey(member)
			if kerr != nil {
				return false, nil, kerr
			}
			batch.Delete(key)
			continue
		}

		candFh, cerr := os.Open(candAbs)
		if cerr != nil {
			memberFh.Close()
			return false, nil, cerr
		}
		match, err = readercomp.Equal(candFh, memberFh, compareChunkSize)
		memberFh.Close()
		candFh.Close()
		if err != nil {
			return false, nil, err
		}
		return match, remaining, nil
	}
	return false, nil, nil
}

// commitSignature stages the completed signature and applies the whole
// batch.
func (rv *Resolver) commitSignature(batch *Batch, rel string, digest []byte, mtimeNs int64, ecID uint32) (err error) {
	key, err := sigKey(rel)
	if err != nil {
		return err
	}
	sig := &Signature{Digest: digest, MtimeNs: mtimeNs, EcID: &ecID}
	val, err := sig.Encode()
	if err != nil {
		return err
	}
	batch.Put(key, val)
	return rv.store.Write(batch)
}
