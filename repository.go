package rededup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Options controls how a repository is opened.
type Options struct {
	// Path names the repository root explicitly; discovery applies when
	// empty.
	Path string

	// Create makes a fresh .rededup index when discovery finds none.
	Create bool

	// HashAlgorithm is consulted by rebuild; empty means sha256.
	HashAlgorithm string
}

// Repository ties a root directory to its index store and configured
// hash algorithm.
type Repository struct {
	Root string

	store *Store
	opts  Options
	algo  *Algorithm
}

// Open locates (or, with Create, initializes) a repository and opens
// its index store.
func Open(opts Options) (r *Repository, err error) {
	root, ferr := FindRepository(opts.Path)
	if ferr != nil {
		if !opts.Create {
			return nil, ferr
		}
		root = opts.Path
		if root == "" {
			root = os.Getenv(EnvRepository)
		}
		if root == "" {
			root, err = os.Getwd()
			if err != nil {
				return nil, err
			}
		}
		root, err = filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		info, serr := os.Stat(root)
		if serr != nil {
			return nil, serr
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("not a directory: %s", root)
		}
		err = os.MkdirAll(filepath.Join(root, IndexDirName), 0755)
		if err != nil {
			return nil, err
		}
	}

	st, err := OpenStore(filepath.Join(root, IndexDirName))
	if err != nil {
		return nil, err
	}
	return &Repository{Root: root, store: st, opts: opts}, nil
}

// Close releases the index store and the repository lock.
func (r *Repository) Close() error {
	return r.store.Close()
}

// Store exposes the index store to read-only consumers.
func (r *Repository) Store() *Store {
	return r.store
}

// Truncating reports whether a rebuild died partway, leaving the
// truncation marker behind.
func (r *Repository) Truncating() (bool, error) {
	_, ok, err := r.store.GetConfig(ConfigTruncating)
	return ok, err
}

// EnsureReady rejects work on an index stuck in the truncating state;
// rebuild is the only recovery.
func (r *Repository) EnsureReady() error {
	truncating, err := r.Truncating()
	if err != nil {
		return err
	}
	if truncating {
		return &TruncatingError{Root: r.Root}
	}
	return nil
}

// Algorithm returns the configured hash algorithm. A never-built index
// falls back to the requested (or default) algorithm and records it; a
// non-empty index without a recorded algorithm is unusable and must be
// rebuilt.
func (r *Repository) Algorithm() (algo *Algorithm, err error) {
	if r.algo != nil {
		return r.algo, nil
	}
	name, ok, err := r.store.GetConfig(ConfigHashAlgorithm)
	if err != nil {
		return nil, err
	}
	if !ok {
		empty, eerr := r.indexEmpty()
		if eerr != nil {
			return nil, eerr
		}
		if !empty {
			return nil, fmt.Errorf("index at %s has no recorded hash algorithm; run rebuild", r.Root)
		}
		name = r.opts.HashAlgorithm
		if name == "" {
			name = DefaultHashAlgorithm
		}
		if err = r.store.PutConfig(ConfigHashAlgorithm, name); err != nil {
			return nil, err
		}
	}
	r.algo, err = LookupHash(name)
	return r.algo, err
}

// indexEmpty reports whether the index holds no buckets and no
// signatures.
func (r *Repository) indexEmpty() (empty bool, err error) {
	empty = true
	for _, prefix := range [][]byte{prefixBucket, prefixSig} {
		err = r.store.IterPrefix(prefix, func(key, val []byte) error {
			empty = false
			return errStop
		})
		if err != nil || !empty {
			return
		}
	}
	return
}

// lookupSignature reads the signature stored for a relative path, nil
// when absent.
func (r *Repository) lookupSignature(rel string) (sig *Signature, err error) {
	key, err := sigKey(rel)
	if err != nil {
		return nil, err
	}
	val, ok, err := r.store.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	sig, err = DecodeSignature(val)
	if err != nil {
		return nil, &CorruptIndexError{Key: key, Reason: err.Error()}
	}
	return sig, nil
}

// Rebuild reconstructs the whole index. It is the only operation
// allowed while the truncation marker is set.
func (r *Repository) Rebuild(ctx context.Context) error {
	return NewBuilder(r).Rebuild(ctx)
}

// Refresh updates the index incrementally.
func (r *Repository) Refresh(ctx context.Context) error {
	if err := r.EnsureReady(); err != nil {
		return err
	}
	return NewBuilder(r).Refresh(ctx)
}

// Import copies index entries from another repository.
func (r *Repository) Import(ctx context.Context, sourcePath string) error {
	if err := r.EnsureReady(); err != nil {
		return err
	}
	return NewImporter(r).Import(ctx, sourcePath)
}

// Analyze classifies the input paths against the index, writing one
// report directory per input.
func (r *Repository) Analyze(ctx context.Context, inputs []string, policy MatchPolicy) error {
	if err := r.EnsureReady(); err != nil {
		return err
	}
	return NewAnalyzer(r, policy).Analyze(ctx, inputs)
}

// canstat reports whether a path can be stat'ed.
func canstat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
