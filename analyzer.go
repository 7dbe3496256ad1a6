package rededup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/hlubek/readercomp"
	log "github.com/sirupsen/logrus"
)

// Analyzer classifies outside paths against the index and writes a
// persistent report next to each input.
type Analyzer struct {
	repo   *Repository
	policy MatchPolicy
}

func NewAnalyzer(repo *Repository, policy MatchPolicy) *Analyzer {
	return &Analyzer{repo: repo, policy: policy}
}

// fileHit is one repository file sharing an analyzed file's digest.
// byteMatch distinguishes true duplicates from hash collisions.
type fileHit struct {
	path      string
	ecID      uint32
	byteMatch bool
	identical bool
	size      int64
}

// Analyze produces a report directory for every input path.
func (an *Analyzer) Analyze(ctx context.Context, inputs []string) (err error) {
	for _, input := range inputs {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = an.analyzeInput(ctx, input); err != nil {
			return err
		}
	}
	return nil
}

func (an *Analyzer) analyzeInput(ctx context.Context, input string) (err error) {
	abs, err := filepath.Abs(input)
	if err != nil {
		return err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return err
	}

	rdir := ReportDir(abs)
	if fi, serr := os.Lstat(rdir); serr == nil && !fi.IsDir() {
		return fmt.Errorf("cannot create report directory %s: a file is in the way", rdir)
	}
	err = os.MkdirAll(rdir, 0755)
	if err != nil {
		return err
	}

	switch {
	case info.IsDir():
		err = an.analyzeDir(ctx, abs, rdir)
	case info.Mode().IsRegular():
		err = an.analyzeFileInput(abs, info, rdir)
	default:
		return &UsageError{Msg: fmt.Sprintf("cannot analyze %s: not a regular file or directory", abs)}
	}
	if err != nil {
		return err
	}

	// meta goes last; its presence marks the report complete
	meta := &ReportMeta{
		CreatedNs:    time.Now().UnixNano(),
		AnalyzedPath: abs,
		Repository:   an.repo.Root,
		Policy:       an.policy.Vector(),
		IsDir:        info.IsDir(),
	}
	return writeReportMeta(rdir, meta)
}

func (an *Analyzer) analyzeFileInput(abs string, info os.FileInfo, rdir string) (err error) {
	hits, err := an.analyzeFile(abs, info)
	if err != nil {
		return err
	}
	return writeFileDuplicates(filepath.Join(rdir, reportDuplicatesName), hitRecords(hits))
}

func hitRecords(hits []fileHit) []FileDuplicate {
	records := make([]FileDuplicate, 0, len(hits))
	for _, h := range hits {
		records = append(records, FileDuplicate{Path: h.path, EcID: h.ecID, Identical: h.identical, Size: h.size})
	}
	return records
}

// analyzeFile hashes one file and probes the index. Every member of
// every bucket carrying the digest is reported, except members that
// cannot be lstat'ed: buckets whose representative byte-matches the
// input are duplicates, the rest are hash collisions kept for
// completeness with identical always false.
func (an *Analyzer) analyzeFile(abs string, info os.FileInfo) (hits []fileHit, err error) {
	algo, err := an.repo.Algorithm()
	if err != nil {
		return nil, err
	}
	digest, _, err := algo.HashFile(abs)
	if err != nil {
		return nil, err
	}

	buckets, err := loadBuckets(an.repo.store, digest)
	if err != nil {
		return nil, err
	}
	for _, bucket := range buckets {
		byteMatch, cmpErr := an.matchesBucket(abs, bucket)
		if cmpErr != nil {
			log.Warnf("cannot compare %s against class %d: %v", abs, bucket.ecID, cmpErr)
			continue
		}
		for _, member := range bucket.paths {
			minfo, serr := os.Lstat(absPath(an.repo.Root, member))
			if serr != nil {
				log.Warnf("skipping unreadable class member %s: %v", member, serr)
				continue
			}
			verdict := CompareMetadata(info, minfo)
			hits = append(hits, fileHit{
				path:      member,
				ecID:      bucket.ecID,
				byteMatch: byteMatch,
				identical: byteMatch && an.policy.Identical(verdict),
				size:      minfo.Size(),
			})
		}
	}
	return hits, nil
}

// matchesBucket byte-compares the analyzed file against the first
// readable member of a bucket. Analysis never mutates the index, so
// unreadable members are skipped rather than pruned.
func (an *Analyzer) matchesBucket(abs string, bucket bucketState) (match bool, err error) {
	for _, member := range bucket.paths {
		memberAbs := absPath(an.repo.Root, member)
		if _, serr := os.Stat(memberAbs); serr != nil {
			continue
		}
		return readercomp.FilesEqual(abs, memberAbs)
	}
	return false, nil
}

// dirAgg accumulates one candidate repository directory's matches while
// a directory input is analyzed.
type dirAgg struct {
	items    int64
	size     int64
	mirrored int64 // files matched identically at the same relative location
}

// analyzeDir analyzes every regular file under the input, mirrors the
// per-file records into files/, and aggregates directory-level
// duplicates. A repository directory becomes a candidate as soon as it
// contains one byte-matched class member; it counts as identical when
// every analyzed file finds an identical twin at the same relative
// location inside it and it holds no extra indexed files.
func (an *Analyzer) analyzeDir(ctx context.Context, abs, rdir string) (err error) {
	filesDir := filepath.Join(rdir, reportFilesDirName)
	aggs := make(map[string]*dirAgg)
	var totalFiles int64

	err = WalkInput(ctx, abs, func(rel string, info os.FileInfo) error {
		totalFiles++
		hits, herr := an.analyzeFile(absPath(abs, rel), info)
		if herr != nil {
			// a file that cannot be read is reported and skipped; the
			// rest of the analysis proceeds
			log.Warnf("cannot analyze %s: %v", rel, herr)
			return nil
		}
		if werr := writeFileDuplicates(absPath(filesDir, rel), hitRecords(hits)); werr != nil {
			return werr
		}

		counted := make(map[string]bool)
		for _, h := range hits {
			if !h.byteMatch {
				continue
			}
			// A candidate directory is the member's parent or, when the
			// member sits at the same relative location as the analyzed
			// file, the structure-aligned ancestor. Each analyzed file
			// counts at most once per candidate.
			dirs := []string{path.Dir(h.path)}
			aligned := ""
			if h.path == rel {
				// matched at the repository root; no enclosing candidate
			} else if suffix := "/" + rel; len(h.path) > len(suffix) && h.path[len(h.path)-len(suffix):] == suffix {
				aligned = h.path[:len(h.path)-len(suffix)]
				if aligned != dirs[0] {
					dirs = append(dirs, aligned)
				}
			}
			for _, dir := range dirs {
				if dir == "." {
					continue
				}
				agg := aggs[dir]
				if agg == nil {
					agg = &dirAgg{}
					aggs[dir] = agg
				}
				if !counted[dir] {
					counted[dir] = true
					agg.items++
					agg.size += info.Size()
				}
				if h.identical && dir == aligned {
					agg.mirrored++
				}
			}
		}
		return nil
	}, func(rel string, werr error) {
		log.Warnf("skipping %s: %v", rel, werr)
	})
	if err != nil {
		return err
	}

	records := make([]DirDuplicate, 0, len(aggs))
	for dir, agg := range aggs {
		identical := false
		if agg.mirrored == totalFiles {
			count, cerr := an.countIndexedUnder(dir)
			if cerr != nil {
				return cerr
			}
			identical = count == totalFiles
		}
		records = append(records, DirDuplicate{
			Dir:             dir,
			DuplicatedItems: agg.items,
			DuplicatedSize:  agg.size,
			Identical:       identical,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].DuplicatedSize != records[j].DuplicatedSize {
			return records[i].DuplicatedSize > records[j].DuplicatedSize
		}
		return records[i].Dir < records[j].Dir
	})
	return writeDirDuplicates(filepath.Join(rdir, reportDuplicatesName), records)
}

// countIndexedUnder counts the indexed files below a repository
// directory.
func (an *Analyzer) countIndexedUnder(dir string) (count int64, err error) {
	prefix, err := sigPrefix(dir)
	if err != nil {
		return 0, err
	}
	err = an.repo.store.IterPrefix(prefix, func(key, val []byte) error {
		count++
		return nil
	})
	return count, err
}
