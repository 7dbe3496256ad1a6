package rededup

import (
	"context"
	"os"
	"path/filepath"
)

// WalkFunc receives each regular file as a slash-form relative path
// together with its lstat result.
type WalkFunc func(rel string, info os.FileInfo) error

// walkOptions tunes a traversal.
type walkOptions struct {
	skipIndexDir bool // skip .rededup directly under the root
}

// Walk traverses root depth-first with children visited in name order.
// Because the null separator of the path encoding sorts below every
// byte a file name can contain, this yields files in lexicographic
// order of their encoded paths, making traversal deterministic and
// idempotent on replay.
//
// Only regular files are yielded; symlinks are never followed. Per-entry
// read and stat errors go to onerr and do not abort the walk. The walk
// checks ctx between entries.
func Walk(ctx context.Context, root string, fn WalkFunc, onerr func(rel string, err error)) error {
	return walkDir(ctx, root, "", walkOptions{skipIndexDir: true}, fn, onerr)
}

// WalkInput is Walk without the repository skip rule, for analyzer
// inputs that live outside any repository.
func WalkInput(ctx context.Context, root string, fn WalkFunc, onerr func(rel string, err error)) error {
	return walkDir(ctx, root, "", walkOptions{}, fn, onerr)
}

func walkDir(ctx context.Context, root, rel string, opts walkOptions, fn WalkFunc, onerr func(rel string, err error)) error {
	dir := root
	if rel != "" {
		dir = absPath(root, rel)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if rel == "" {
			// an unreadable root leaves nothing to walk
			return err
		}
		onerr(rel, err)
		return nil
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		if rel == "" && opts.skipIndexDir && name == IndexDirName && entry.IsDir() {
			continue
		}
		switch {
		case entry.Type()&os.ModeSymlink != 0:
			continue
		case entry.IsDir():
			if err := walkDir(ctx, root, childRel, opts, fn, onerr); err != nil {
				return err
			}
		case entry.Type().IsRegular():
			info, ierr := entry.Info()
			if ierr != nil {
				onerr(childRel, ierr)
				continue
			}
			if err := fn(childRel, info); err != nil {
				return err
			}
		}
	}
	return nil
}

// walkDirs yields every directory under root (excluding the root
// itself and the index directory), for the watcher's benefit.
func walkDirs(root string, fn func(abs string) error) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() || p == root {
			return nil
		}
		if info.Name() == IndexDirName {
			return filepath.SkipDir
		}
		return fn(p)
	})
}
