package rededup

import (
	"context"
	"os"
	"testing"
	"time"
)

// Rebuild of an empty tree leaves exactly the algorithm setting behind.
func TestRebuildEmptyTree(t *testing.T) {
	repo := mkrepo(t)
	rebuild(t, repo)

	state := dump(t, repo.Store())
	tassert(t, len(state) == 1, "expected exactly one key, got %v", state)
	val, ok := state[string(configKey(ConfigHashAlgorithm))]
	tassert(t, ok && val == "sha256", "expected sha256 algorithm, got %v", state)
}

// Three identical files form one class listing them in ascending path
// order, with every signature pointing at it.
func TestRebuildThreeIdenticalFiles(t *testing.T) {
	repo := mkrepo(t)
	mkfile(t, repo.Root, "a", "hello")
	mkfile(t, repo.Root, "b/c", "hello")
	mkfile(t, repo.Root, "b/d", "hello")
	rebuild(t, repo)

	digest := digestOf(t, repo, "hello")
	paths := getBucket(t, repo.Store(), digest, 0)
	tassert(t, len(paths) == 3, "expected 3 members, got %v", paths)
	tassert(t, paths[0] == "a" && paths[1] == "b/c" && paths[2] == "b/d",
		"bad member order: %v", paths)

	for _, rel := range []string{"a", "b/c", "b/d"} {
		sig := getSig(t, repo.Store(), rel)
		tassert(t, sig != nil, "missing signature for %s", rel)
		tassert(t, string(sig.Digest) == string(digest), "wrong digest for %s", rel)
		tassert(t, sig.EcID != nil && *sig.EcID == 0, "wrong ec for %s", rel)
	}
	tassert(t, getBucket(t, repo.Store(), digest, 1) == nil, "unexpected second bucket")
}

// Injected collision: two byte-different files with one digest produce
// classes 0 and 1 in walk order.
func TestRebuildCollision(t *testing.T) {
	registerCollideHash()
	dir := t.TempDir()
	repo, err := Open(Options{Path: dir, Create: true, HashAlgorithm: "collide"})
	ckt(t, err)
	defer repo.Close()
	mkfile(t, repo.Root, "p", "x")
	mkfile(t, repo.Root, "q", "y")
	rebuild(t, repo)

	digest := []byte("COLLIDE!")
	p0 := getBucket(t, repo.Store(), digest, 0)
	p1 := getBucket(t, repo.Store(), digest, 1)
	tassert(t, len(p0) == 1 && p0[0] == "p", "ec 0: %v", p0)
	tassert(t, len(p1) == 1 && p1[0] == "q", "ec 1: %v", p1)

	sigP := getSig(t, repo.Store(), "p")
	sigQ := getSig(t, repo.Store(), "q")
	tassert(t, sigP.EcID != nil && *sigP.EcID == 0, "p: %+v", sigP)
	tassert(t, sigQ.EcID != nil && *sigQ.EcID == 1, "q: %+v", sigQ)
}

// Back-to-back refreshes with no filesystem change must not move a
// byte of the store; likewise rebuild followed by refresh.
func TestRefreshIdempotent(t *testing.T) {
	repo := mkrepo(t)
	mkfile(t, repo.Root, "a", "hello")
	mkfile(t, repo.Root, "b/c", "world")
	rebuild(t, repo)

	before := dump(t, repo.Store())
	refresh(t, repo)
	after := dump(t, repo.Store())
	tassert(t, samedump(before, after), "refresh after rebuild changed the store")

	refresh(t, repo)
	again := dump(t, repo.Store())
	tassert(t, samedump(after, again), "second refresh changed the store")
}

// Refresh notices a deleted file and scrubs both its signature and its
// bucket membership.
func TestRefreshDetectsDeletion(t *testing.T) {
	repo := mkrepo(t)
	mkfile(t, repo.Root, "a", "hello")
	mkfile(t, repo.Root, "b/c", "hello")
	mkfile(t, repo.Root, "b/d", "hello")
	rebuild(t, repo)

	ckt(t, os.Remove(absPath(repo.Root, "b/d")))
	refresh(t, repo)

	digest := digestOf(t, repo, "hello")
	tassert(t, getSig(t, repo.Store(), "b/d") == nil, "deleted file kept its signature")
	paths := getBucket(t, repo.Store(), digest, 0)
	tassert(t, len(paths) == 2 && paths[0] == "a" && paths[1] == "b/c", "got %v", paths)
}

// The last member leaving a class takes the bucket with it.
func TestRefreshDeletesEmptiedBucket(t *testing.T) {
	repo := mkrepo(t)
	mkfile(t, repo.Root, "solo", "unique")
	rebuild(t, repo)

	ckt(t, os.Remove(absPath(repo.Root, "solo")))
	refresh(t, repo)

	digest := digestOf(t, repo, "unique")
	tassert(t, getBucket(t, repo.Store(), digest, 0) == nil, "bucket outlived its members")
}

// A changed mtime forces a re-hash and moves the file to the class of
// its new content.
func TestRefreshDetectsModification(t *testing.T) {
	repo := mkrepo(t)
	mkfile(t, repo.Root, "f", "one")
	rebuild(t, repo)
	oldDigest := digestOf(t, repo, "one")

	mkfile(t, repo.Root, "f", "two")
	// force a visibly different mtime even on coarse filesystems
	ckt(t, os.Chtimes(absPath(repo.Root, "f"), time.Now(), time.Now().Add(3*time.Second)))
	refresh(t, repo)

	newDigest := digestOf(t, repo, "two")
	sig := getSig(t, repo.Store(), "f")
	tassert(t, sig != nil && string(sig.Digest) == string(newDigest), "signature not recomputed")
	tassert(t, sig.EcID != nil && *sig.EcID == 0, "bad ec: %+v", sig)
	tassert(t, getBucket(t, repo.Store(), oldDigest, 0) == nil, "old bucket not cleaned")
	paths := getBucket(t, repo.Store(), newDigest, 0)
	tassert(t, len(paths) == 1 && paths[0] == "f", "got %v", paths)
}

// New files are picked up incrementally without touching settled
// entries.
func TestRefreshPicksUpNewFiles(t *testing.T) {
	repo := mkrepo(t)
	mkfile(t, repo.Root, "a", "hello")
	rebuild(t, repo)

	mkfile(t, repo.Root, "b", "hello")
	refresh(t, repo)

	digest := digestOf(t, repo, "hello")
	paths := getBucket(t, repo.Store(), digest, 0)
	tassert(t, len(paths) == 2 && paths[0] == "a" && paths[1] == "b", "got %v", paths)
}

// While the truncation marker is set, everything except rebuild is
// refused with the dedicated exit code; rebuild recovers.
func TestTruncatingState(t *testing.T) {
	repo := mkrepo(t)
	mkfile(t, repo.Root, "f", "data")
	rebuild(t, repo)

	ckt(t, repo.Store().PutConfig(ConfigTruncating, "truncate"))

	err := repo.Refresh(context.Background())
	tassert(t, err != nil, "refresh must refuse a truncating index")
	tassert(t, ExitCode(err) == ExitTruncating, "expected exit %d, got %d", ExitTruncating, ExitCode(err))

	err = repo.Analyze(context.Background(), []string{repo.Root}, DefaultMatchPolicy())
	tassert(t, ExitCode(err) == ExitTruncating, "analyze must refuse too")

	rebuild(t, repo)
	truncating, err := repo.Truncating()
	ckt(t, err)
	tassert(t, !truncating, "rebuild must clear the marker")
	tassert(t, getSig(t, repo.Store(), "f") != nil, "rebuild must re-index")
}

// Rebuild drops stray configuration but keeps the algorithm.
func TestRebuildResetsConfig(t *testing.T) {
	repo := mkrepo(t)
	rebuild(t, repo)
	ckt(t, repo.Store().PutConfig("stray", "value"))

	rebuild(t, repo)
	_, ok, err := repo.Store().GetConfig("stray")
	ckt(t, err)
	tassert(t, !ok, "stray config survived rebuild")
	name, ok, err := repo.Store().GetConfig(ConfigHashAlgorithm)
	ckt(t, err)
	tassert(t, ok && name == "sha256", "algorithm lost: %q", name)
}

// Progress reports once per queued file.
func TestRefreshProgress(t *testing.T) {
	repo := mkrepo(t)
	mkfile(t, repo.Root, "a", "1")
	mkfile(t, repo.Root, "b", "2")
	mkfile(t, repo.Root, "c", "3")

	bu := NewBuilder(repo)
	bu.Workers = 2
	var calls int
	var lastTotal int
	bu.Progress = func(done, total int) {
		calls++
		lastTotal = total
	}
	ckt(t, bu.Rebuild(context.Background()))
	tassert(t, calls == 3, "expected 3 progress calls, got %d", calls)
	tassert(t, lastTotal == 3, "expected total 3, got %d", lastTotal)
}
