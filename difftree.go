package rededup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/hlubek/readercomp"
)

// DiffStatus classifies one name joined across the analyzed and
// repository trees.
type DiffStatus int

const (
	// DiffIdentical: present on both sides with matching content and
	// metadata (under the report's policy).
	DiffIdentical DiffStatus = iota
	// DiffContentMatch: content matches but metadata differs.
	DiffContentMatch
	// DiffDifferent: present on both sides with different content (or
	// different entry types).
	DiffDifferent
	// DiffOnlyAnalyzed: present only under the analyzed directory.
	DiffOnlyAnalyzed
	// DiffOnlyRepository: present only under the repository directory.
	DiffOnlyRepository
)

// DiffTreeOptions controls the diff-tree renderer.
type DiffTreeOptions struct {
	HideContentMatch bool
	MaxDepth         int // 0 means unlimited
	Show             string
}

// Tree drawing pieces.
const (
	diffBranch     = "├── "
	diffLastBranch = "└── "
	diffVertical   = "│   "
	diffSpace      = "    "
)

var diffMarkers = map[DiffStatus]string{
	DiffOnlyAnalyzed:   color.New(color.FgCyan).Sprint(" [A]"),
	DiffOnlyRepository: color.New(color.FgMagenta).Sprint(" [R]"),
	DiffDifferent:      color.New(color.FgRed).Sprint(" [D]"),
	DiffContentMatch:   color.New(color.FgYellow).Sprint(" [M]"),
}

// DiffTree renders a side-by-side comparison of an analyzed directory
// and a repository directory it duplicates, joining entries by name at
// each level. Identical files are omitted; directories present on both
// sides are always shown so their contents can be listed; deeper levels than
// MaxDepth collapse into an ellipsis. The metadata policy comes from
// the report enclosing the analyzed path when one exists.
func DiffTree(w io.Writer, analyzed, repoDir string, opts DiffTreeOptions) (err error) {
	aabs, err := filepath.Abs(analyzed)
	if err != nil {
		return err
	}
	rabs, err := filepath.Abs(repoDir)
	if err != nil {
		return err
	}
	for _, p := range []string{aabs, rabs} {
		info, serr := os.Stat(p)
		if serr != nil {
			return serr
		}
		if !info.IsDir() {
			return &UsageError{Msg: fmt.Sprintf("not a directory: %s", p)}
		}
	}

	policy := DefaultMatchPolicy()
	if rdir, _, ferr := FindReport(aabs); ferr == nil {
		if meta, merr := ReadReportMeta(rdir); merr == nil {
			policy = meta.Policy.Policy()
		}
	}

	fmt.Fprintf(w, "%s ↔ %s\n", aabs, rabs)
	return diffLevel(w, aabs, rabs, "", 1, policy, opts)
}

// joinedEntry is one name present on either side of a level.
type joinedEntry struct {
	name       string
	analyzed   os.FileInfo
	repository os.FileInfo
}

func diffLevel(w io.Writer, aDir, rDir, indent string, depth int, policy MatchPolicy, opts DiffTreeOptions) (err error) {
	entries, err := joinLevel(aDir, rDir)
	if err != nil {
		return err
	}

	type renderItem struct {
		entry  joinedEntry
		status DiffStatus
		isDir  bool
	}
	var items []renderItem
	for _, entry := range entries {
		status, isDir, cerr := classify(aDir, rDir, entry, policy)
		if cerr != nil {
			return cerr
		}
		if status == DiffIdentical && !isDir {
			continue
		}
		if opts.HideContentMatch && status == DiffContentMatch {
			continue
		}
		switch opts.Show {
		case "analyzed":
			if status == DiffOnlyRepository {
				continue
			}
		case "repository":
			if status == DiffOnlyAnalyzed {
				continue
			}
		}
		items = append(items, renderItem{entry: entry, status: status, isDir: isDir})
	}

	for i, item := range items {
		branch, next := diffBranch, diffVertical
		if i == len(items)-1 {
			branch, next = diffLastBranch, diffSpace
		}
		name := item.entry.name
		if item.isDir {
			name += "/"
		}
		fmt.Fprintf(w, "%s%s%s%s\n", indent, branch, name, diffMarkers[item.status])

		if !item.isDir {
			continue
		}
		if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
			fmt.Fprintf(w, "%s%s...\n", indent+next, diffLastBranch)
			continue
		}
		// one-sided directories still render their subtree so the
		// missing content is visible
		childA := filepath.Join(aDir, item.entry.name)
		childR := filepath.Join(rDir, item.entry.name)
		if err = diffLevel(w, childA, childR, indent+next, depth+1, policy, opts); err != nil {
			return err
		}
	}
	return nil
}

// joinLevel joins the children of two directories by name. A side that
// does not exist contributes nothing.
func joinLevel(aDir, rDir string) (entries []joinedEntry, err error) {
	byName := make(map[string]*joinedEntry)
	add := func(dir string, set func(*joinedEntry, os.FileInfo)) error {
		list, rerr := os.ReadDir(dir)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				return nil
			}
			return rerr
		}
		for _, entry := range list {
			info, ierr := entry.Info()
			if ierr != nil {
				continue
			}
			je := byName[entry.Name()]
			if je == nil {
				je = &joinedEntry{name: entry.Name()}
				byName[entry.Name()] = je
			}
			set(je, info)
		}
		return nil
	}
	if err = add(aDir, func(je *joinedEntry, info os.FileInfo) { je.analyzed = info }); err != nil {
		return nil, err
	}
	if err = add(rDir, func(je *joinedEntry, info os.FileInfo) { je.repository = info }); err != nil {
		return nil, err
	}
	for _, je := range byName {
		entries = append(entries, *je)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

// classify decides the status of one joined entry.
func classify(aDir, rDir string, entry joinedEntry, policy MatchPolicy) (status DiffStatus, isDir bool, err error) {
	switch {
	case entry.repository == nil:
		return DiffOnlyAnalyzed, entry.analyzed.IsDir(), nil
	case entry.analyzed == nil:
		return DiffOnlyRepository, entry.repository.IsDir(), nil
	case entry.analyzed.IsDir() != entry.repository.IsDir():
		return DiffDifferent, false, nil
	case entry.analyzed.IsDir():
		// directory status is decided by its children; report it as
		// identical so only its contents draw attention
		return DiffIdentical, true, nil
	}

	aPath := filepath.Join(aDir, entry.name)
	rPath := filepath.Join(rDir, entry.name)
	equal, err := readercomp.FilesEqual(aPath, rPath)
	if err != nil {
		return DiffDifferent, false, nil
	}
	if !equal {
		return DiffDifferent, false, nil
	}
	if policy.Identical(CompareMetadata(entry.analyzed, entry.repository)) {
		return DiffIdentical, false, nil
	}
	return DiffContentMatch, false, nil
}
