package rededup

import (
	"context"
	"os"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Builder drives rebuild and refresh. Files are hashed on a worker
// pool; every index mutation happens on the calling goroutine, which
// acts as the single writer stage feeding the resolver in arrival
// order.
type Builder struct {
	repo *Repository

	// Workers bounds the hashing pool; it defaults to the CPU count.
	Workers int

	// Progress, when set, is called after each queued file completes.
	Progress func(done, total int)
}

func NewBuilder(repo *Repository) *Builder {
	return &Builder{repo: repo, Workers: runtime.NumCPU()}
}

// Rebuild truncates the index under protection of the truncation
// marker, restores the configured hash algorithm, and re-indexes the
// tree from scratch. The marker is cleared only after the
// post-truncation pass completes; a crash in between leaves a state
// that only another rebuild may touch.
func (bu *Builder) Rebuild(ctx context.Context) (err error) {
	st := bu.repo.store

	err = st.PutConfig(ConfigTruncating, "truncate")
	if err != nil {
		return err
	}

	batch := st.NewBatch()
	keep := map[string]bool{
		string(configKey(ConfigHashAlgorithm)): true,
		string(configKey(ConfigTruncating)):    true,
	}
	for _, prefix := range [][]byte{prefixBucket, prefixSig, prefixConfig} {
		err = st.IterPrefix(prefix, func(key, val []byte) error {
			if !keep[string(key)] {
				batch.Delete(key)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	err = st.Write(batch)
	if err != nil {
		return err
	}

	name := bu.repo.opts.HashAlgorithm
	if name == "" {
		name = DefaultHashAlgorithm
	}
	algo, err := LookupHash(name)
	if err != nil {
		return err
	}
	err = st.PutConfig(ConfigHashAlgorithm, algo.Name)
	if err != nil {
		return err
	}
	bu.repo.algo = algo

	err = bu.Refresh(ctx)
	if err != nil {
		return err
	}

	return st.DeleteConfig(ConfigTruncating)
}

// hashTask is one file queued for hashing, with the mtime observed
// during discovery.
type hashTask struct {
	rel     string
	mtimeNs int64
}

// hashResult is what the pool hands back to the writer stage.
type hashResult struct {
	rel      string
	digest   []byte
	mtimeNs  int64
	unstable bool // mtime kept moving; leave the entry unresolved
	err      error
}

// Refresh brings the index in line with the filesystem. Phase 1 walks
// the tree and queues files whose signature is absent or stale,
// clearing their class assignment; stale entries whose files are gone
// are pruned. Phase 2 hashes the queue in parallel and resolves each
// file into its equivalent class through the serialized writer.
func (bu *Builder) Refresh(ctx context.Context) (err error) {
	algo, err := bu.repo.Algorithm()
	if err != nil {
		return err
	}
	st := bu.repo.store
	root := bu.repo.Root

	// Phase 1: discover.
	var queue []hashTask
	err = Walk(ctx, root, func(rel string, info os.FileInfo) error {
		key, kerr := sigKey(rel)
		if kerr != nil {
			log.Warnf("skipping %s: %v", rel, kerr)
			return nil
		}
		val, ok, gerr := st.Get(key)
		if gerr != nil {
			return gerr
		}
		mtime := info.ModTime().UnixNano()
		if !ok {
			queue = append(queue, hashTask{rel: rel, mtimeNs: mtime})
			return nil
		}
		sig, derr := DecodeSignature(val)
		if derr != nil {
			return &CorruptIndexError{Key: key, Reason: derr.Error()}
		}
		if sig.MtimeNs == mtime && sig.EcID != nil {
			return nil
		}
		if derr := bu.detach(rel, sig); derr != nil {
			return derr
		}
		queue = append(queue, hashTask{rel: rel, mtimeNs: mtime})
		return nil
	}, func(rel string, werr error) {
		log.Warnf("skipping %s: %v", rel, werr)
	})
	if err != nil {
		return err
	}

	err = bu.prune(ctx)
	if err != nil {
		return err
	}

	// Phase 2: resolve.
	return bu.resolveQueue(ctx, algo, queue)
}

// detach clears a stale entry's class assignment: the partial signature
// (old digest, old mtime, no ec id) replaces the complete one and the
// path leaves its old bucket, atomically.
func (bu *Builder) detach(rel string, sig *Signature) (err error) {
	st := bu.repo.store
	batch := st.NewBatch()
	key, err := sigKey(rel)
	if err != nil {
		return err
	}
	partial := &Signature{Digest: sig.Digest, MtimeNs: sig.MtimeNs}
	val, err := partial.Encode()
	if err != nil {
		return err
	}
	batch.Put(key, val)
	if sig.EcID != nil {
		err = removeFromBucket(st, batch, sig.Digest, *sig.EcID, rel)
		if err != nil {
			return err
		}
	}
	return st.Write(batch)
}

// prune removes every signature whose file is no longer a regular file
// on disk, along with its bucket membership. Each removal commits as
// its own batch so a read-modify-write of one bucket never clobbers
// another.
func (bu *Builder) prune(ctx context.Context) (err error) {
	st := bu.repo.store
	root := bu.repo.Root

	type stale struct {
		key []byte
		sig *Signature
	}
	var gone []stale
	err = st.IterPrefix(prefixSig, func(key, val []byte) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, perr := sigPath(key)
		if perr != nil {
			return perr
		}
		info, serr := os.Lstat(absPath(root, rel))
		if serr == nil && info.Mode().IsRegular() {
			return nil
		}
		if serr != nil && !os.IsNotExist(serr) {
			log.Warnf("cannot stat %s: %v", rel, serr)
			return nil
		}
		sig, derr := DecodeSignature(val)
		if derr != nil {
			return &CorruptIndexError{Key: key, Reason: derr.Error()}
		}
		gone = append(gone, stale{key: append([]byte(nil), key...), sig: sig})
		return nil
	})
	if err != nil {
		return err
	}

	for _, entry := range gone {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, perr := sigPath(entry.key)
		if perr != nil {
			return perr
		}
		batch := st.NewBatch()
		batch.Delete(entry.key)
		if entry.sig.EcID != nil {
			err = removeFromBucket(st, batch, entry.sig.Digest, *entry.sig.EcID, rel)
			if err != nil {
				return err
			}
		}
		if err = st.Write(batch); err != nil {
			return err
		}
		log.Debugf("pruned %s", rel)
	}
	return nil
}

// resolveQueue hashes the queued files on the pool and consumes the
// results in arrival order, invoking the resolver for each.
func (bu *Builder) resolveQueue(ctx context.Context, algo *Algorithm, queue []hashTask) (err error) {
	st := bu.repo.store
	total := len(queue)
	if total == 0 {
		return nil
	}

	workers := bu.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > total {
		workers = total
	}

	tasks := make(chan hashTask)
	results := make(chan hashResult)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				results <- bu.hashOne(algo, task)
			}
		}()
	}
	go func() {
		defer close(tasks)
		for _, task := range queue {
			select {
			case <-ctx.Done():
				return
			case tasks <- task:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	resolver := NewResolver(st, bu.repo.Root)
	done := 0
	for res := range results {
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
			continue // drain the pool
		}
		bu.writeResult(resolver, res)
		done++
		if bu.Progress != nil {
			bu.Progress(done, total)
		}
	}
	return err
}

// writeResult applies one hashing outcome to the index.
func (bu *Builder) writeResult(resolver *Resolver, res hashResult) {
	st := bu.repo.store
	key, kerr := sigKey(res.rel)
	if kerr != nil {
		log.Warnf("skipping %s: %v", res.rel, kerr)
		return
	}
	switch {
	case res.err != nil:
		// the file went away or turned unreadable between discovery
		// and hashing; drop any partial entry
		log.Warnf("cannot hash %s: %v", res.rel, res.err)
		if derr := st.Delete(key); derr != nil {
			log.Warnf("cannot drop entry for %s: %v", res.rel, derr)
		}
	case res.unstable:
		log.Warnf("%s kept changing while hashing; leaving it unresolved", res.rel)
		partial := &Signature{Digest: res.digest, MtimeNs: res.mtimeNs}
		val, eerr := partial.Encode()
		if eerr != nil {
			log.Warnf("cannot encode entry for %s: %v", res.rel, eerr)
			return
		}
		if perr := st.Put(key, val); perr != nil {
			log.Warnf("cannot store entry for %s: %v", res.rel, perr)
		}
	default:
		if _, rerr := resolver.Resolve(res.rel, res.digest, res.mtimeNs); rerr != nil {
			log.Warnf("cannot resolve %s: %v", res.rel, rerr)
			if derr := st.Delete(key); derr != nil {
				log.Warnf("cannot drop entry for %s: %v", res.rel, derr)
			}
		}
	}
}

// hashOne hashes a file and confirms its mtime held still. One retry
// keeps a single concurrent modification from wedging the entry; a
// second disagreement leaves it unresolved for the next refresh.
func (bu *Builder) hashOne(algo *Algorithm, task hashTask) (res hashResult) {
	res.rel = task.rel
	abs := absPath(bu.repo.Root, task.rel)
	mtime := task.mtimeNs
	for attempt := 0; ; attempt++ {
		digest, _, err := algo.HashFile(abs)
		if err != nil {
			res.err = err
			return
		}
		info, err := os.Lstat(abs)
		if err != nil {
			res.err = err
			return
		}
		after := info.ModTime().UnixNano()
		if after == mtime {
			res.digest = digest
			res.mtimeNs = mtime
			return
		}
		if attempt >= 1 {
			res.digest = digest
			res.mtimeNs = after
			res.unstable = true
			return
		}
		mtime = after
	}
}
