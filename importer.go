package rededup

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hlubek/readercomp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Importer copies index entries from a source repository into the
// current one, shifting path prefixes according to the relationship
// between the two roots. A source nested under the current root has the
// relative prefix prepended to every imported path; a source enclosing
// the current root contributes only the entries inside the current
// root's scope, with the prefix stripped. Any other relationship is
// rejected.
type Importer struct {
	repo    *Repository
	prepend string
	strip   string
}

func NewImporter(repo *Repository) *Importer {
	return &Importer{repo: repo}
}

// Import runs the import from sourcePath. Each source class commits as
// one batch, so an interrupted import leaves the index consistent.
func (im *Importer) Import(ctx context.Context, sourcePath string) (err error) {
	cur, err := filepath.Abs(im.repo.Root)
	if err != nil {
		return err
	}
	src, err := filepath.Abs(sourcePath)
	if err != nil {
		return err
	}
	if src == cur {
		return &UsageError{Msg: "source repository is the same as the current repository"}
	}
	indexDir := filepath.Join(cur, IndexDirName)
	if src == indexDir || strings.HasPrefix(src, indexDir+string(filepath.Separator)) {
		return &UsageError{Msg: "source repository cannot live inside the index directory"}
	}

	if rel, ok := descendantRel(cur, src); ok {
		im.prepend = rel
	} else if rel, ok := descendantRel(src, cur); ok {
		im.strip = rel
	} else {
		return &UsageError{Msg: fmt.Sprintf(
			"source repository %s is neither nested under nor an ancestor of %s", src, cur)}
	}

	source, err := Open(Options{Path: src})
	if err != nil {
		return errors.Wrap(err, "cannot open source repository")
	}
	defer source.Close()

	if terr := source.EnsureReady(); terr != nil {
		return terr
	}
	err = im.adoptAlgorithm(source)
	if err != nil {
		return err
	}

	// Walk the source signatures; the first signature carrying a digest
	// triggers the import of all that digest's classes.
	processed := make(map[string]bool)
	return source.store.IterPrefix(prefixSig, func(key, val []byte) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, perr := sigPath(key)
		if perr != nil {
			return perr
		}
		if _, ok := im.mapPath(rel); !ok {
			return nil
		}
		sig, derr := DecodeSignature(val)
		if derr != nil {
			return &CorruptIndexError{Key: key, Reason: derr.Error()}
		}
		if sig.EcID == nil {
			log.Debugf("skipping unresolved source entry %s", rel)
			return nil
		}
		if processed[string(sig.Digest)] {
			return nil
		}
		processed[string(sig.Digest)] = true
		return im.importDigest(source, sig.Digest)
	})
}

// adoptAlgorithm checks hash algorithm compatibility, adopting the
// source's algorithm when the current index has never been built.
func (im *Importer) adoptAlgorithm(source *Repository) (err error) {
	st := im.repo.store
	srcName, srcOk, err := source.store.GetConfig(ConfigHashAlgorithm)
	if err != nil {
		return err
	}
	curName, curOk, err := st.GetConfig(ConfigHashAlgorithm)
	if err != nil {
		return err
	}
	switch {
	case !curOk && srcOk:
		if err = st.PutConfig(ConfigHashAlgorithm, srcName); err != nil {
			return err
		}
		im.repo.algo, err = LookupHash(srcName)
		return err
	case !srcOk:
		return &UsageError{Msg: fmt.Sprintf("source repository %s has no recorded hash algorithm", source.Root)}
	case srcName != curName:
		return &UsageError{Msg: fmt.Sprintf(
			"hash algorithm mismatch: source uses %s, current uses %s", srcName, curName)}
	}
	return nil
}

// importDigest merges every source class of one digest into the current
// index. Class identity is decided by byte-comparing representatives;
// a source class matching no current class gets the smallest unused id.
func (im *Importer) importDigest(source *Repository, digest []byte) (err error) {
	st := im.repo.store
	srcBuckets, err := loadBuckets(source.store, digest)
	if err != nil {
		return err
	}
	curBuckets, err := loadBuckets(st, digest)
	if err != nil {
		return err
	}

	for _, sb := range srcBuckets {
		var mapped []string
		var originals []string
		for _, p := range sb.paths {
			if mp, ok := im.mapPath(p); ok {
				mapped = append(mapped, mp)
				originals = append(originals, p)
			}
		}
		if len(mapped) == 0 {
			continue
		}

		// The imported files sit under the current root too (one tree
		// encloses the other), so representatives compare through the
		// current root on both sides.
		rep := im.firstReadable(mapped)
		if rep == "" {
			log.Warnf("skipping class %d of digest %x: no readable member", sb.ecID, digest)
			continue
		}

		target := -1
		for i, cb := range curBuckets {
			crep := im.firstReadable(cb.paths)
			if crep == "" {
				continue
			}
			equal, cerr := readercomp.FilesEqual(absPath(im.repo.Root, rep), absPath(im.repo.Root, crep))
			if cerr != nil {
				return cerr
			}
			if equal {
				target = i
				break
			}
		}

		batch := st.NewBatch()
		var ecID uint32
		if target >= 0 {
			ecID = curBuckets[target].ecID
			curBuckets[target].paths = mergePaths(curBuckets[target].paths, mapped)
			enc, eerr := encodeBucket(curBuckets[target].paths)
			if eerr != nil {
				return eerr
			}
			batch.Put(bucketKey(digest, ecID), enc)
		} else {
			ecID = smallestUnusedID(curBuckets)
			members := append([]string(nil), mapped...)
			sort.Strings(members)
			enc, eerr := encodeBucket(members)
			if eerr != nil {
				return eerr
			}
			batch.Put(bucketKey(digest, ecID), enc)
			curBuckets = append(curBuckets, bucketState{ecID: ecID, paths: members})
		}

		for i, orig := range originals {
			sig, serr := source.lookupSignature(orig)
			if serr != nil {
				return serr
			}
			if sig == nil {
				log.Warnf("source class member %s has no signature; skipping", orig)
				continue
			}
			key, kerr := sigKey(mapped[i])
			if kerr != nil {
				return kerr
			}
			out := &Signature{Digest: digest, MtimeNs: sig.MtimeNs, EcID: &ecID}
			val, verr := out.Encode()
			if verr != nil {
				return verr
			}
			batch.Put(key, val)
		}
		if err = st.Write(batch); err != nil {
			return err
		}
	}
	return nil
}

// mapPath shifts a source-relative path into the current repository's
// namespace; ok is false when the path falls outside the current scope.
func (im *Importer) mapPath(rel string) (mapped string, ok bool) {
	if im.prepend != "" {
		return path.Join(im.prepend, rel), true
	}
	prefix := im.strip + "/"
	if strings.HasPrefix(rel, prefix) {
		return rel[len(prefix):], true
	}
	return "", false
}

// firstReadable returns the first path in the list readable under the
// current root.
func (im *Importer) firstReadable(paths []string) string {
	for _, p := range paths {
		if canstat(absPath(im.repo.Root, p)) {
			return p
		}
	}
	return ""
}

// mergePaths unions two member lists, keeping them sorted and unique.
func mergePaths(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, p := range a {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range b {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// descendantRel reports child's path relative to parent when child lies
// strictly below parent.
func descendantRel(parent, child string) (rel string, ok bool) {
	r, err := filepath.Rel(parent, child)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(r), true
}
