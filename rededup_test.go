package rededup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func ckt(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// mkrepo creates a repository in a fresh temp directory.
func mkrepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(Options{Path: t.TempDir(), Create: true})
	ckt(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// mkfile writes content under root, creating parents as needed.
func mkfile(t *testing.T, root, rel, content string) string {
	t.Helper()
	abs := absPath(root, rel)
	ckt(t, os.MkdirAll(filepath.Dir(abs), 0755))
	ckt(t, os.WriteFile(abs, []byte(content), 0644))
	return abs
}

// sametimes forces identical atime/mtime on a set of files.
func sametimes(t *testing.T, when time.Time, paths ...string) {
	t.Helper()
	for _, p := range paths {
		ckt(t, os.Chtimes(p, when, when))
	}
}

// dump flattens the whole store for byte-level comparison.
func dump(t *testing.T, st *Store) map[string]string {
	t.Helper()
	out := make(map[string]string)
	ckt(t, st.IterAll(func(key, val []byte) error {
		out[string(key)] = string(val)
		return nil
	}))
	return out
}

func samedump(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// rebuild runs a single-worker rebuild so bucket assignment order is
// predictable in collision tests.
func rebuild(t *testing.T, repo *Repository) {
	t.Helper()
	bu := NewBuilder(repo)
	bu.Workers = 1
	ckt(t, bu.Rebuild(context.Background()))
}

func refresh(t *testing.T, repo *Repository) {
	t.Helper()
	bu := NewBuilder(repo)
	bu.Workers = 1
	ckt(t, bu.Refresh(context.Background()))
}

// getBucket loads one bucket's member list, nil when absent.
func getBucket(t *testing.T, st *Store, digest []byte, ecID uint32) []string {
	t.Helper()
	val, ok, err := st.Get(bucketKey(digest, ecID))
	ckt(t, err)
	if !ok {
		return nil
	}
	paths, err := decodeBucket(val)
	ckt(t, err)
	return paths
}

// getSig loads one signature, nil when absent.
func getSig(t *testing.T, st *Store, rel string) *Signature {
	t.Helper()
	key, err := sigKey(rel)
	ckt(t, err)
	val, ok, err := st.Get(key)
	ckt(t, err)
	if !ok {
		return nil
	}
	sig, err := DecodeSignature(val)
	ckt(t, err)
	return sig
}

func digestOf(t *testing.T, repo *Repository, content string) []byte {
	t.Helper()
	algo, err := repo.Algorithm()
	ckt(t, err)
	h := algo.New()
	h.Write([]byte(content))
	return h.Sum(nil)
}
