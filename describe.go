package rededup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
)

// DescribeOptions controls the describe renderer.
type DescribeOptions struct {
	Limit          int // duplicates shown per path; 0 means unlimited
	SortBy         string
	SortChildren   string
	KeepInputOrder bool
	Bytes          bool
	Details        bool
	DirectoryOnly  bool
}

var (
	identicalLabel = color.New(color.FgGreen).Sprint("identical")
	partialLabel   = color.New(color.FgYellow).Sprint("partial")
)

// Describe prints duplicate information for one or more paths from the
// reports enclosing them. It only reads reports; the index is never
// touched.
func Describe(w io.Writer, paths []string, opts DescribeOptions) (err error) {
	if opts.DirectoryOnly && len(paths) > 1 {
		return &UsageError{Msg: "--directory applies to a single path"}
	}
	if len(paths) > 1 {
		return describeMany(w, paths, opts)
	}
	return describeOne(w, paths[0], opts)
}

// pathSummary is one row of a multi-path table.
type pathSummary struct {
	path    string
	total   int64
	dup     int64
	items   int64
	records int
}

func describeOne(w io.Writer, p string, opts DescribeOptions) (err error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if opts.DirectoryOnly && !info.IsDir() {
		return &UsageError{Msg: fmt.Sprintf("--directory applies to directories, not %s", p)}
	}

	rdir, analyzed, err := FindReport(abs)
	if err != nil {
		return err
	}
	meta, err := ReadReportMeta(rdir)
	if err != nil {
		return err
	}
	if opts.Details {
		fmt.Fprintf(w, "Report:     %s\n", rdir)
		fmt.Fprintf(w, "Analyzed:   %s\n", meta.AnalyzedPath)
		fmt.Fprintf(w, "Repository: %s\n", meta.Repository)
		fmt.Fprintf(w, "Timestamp:  %s\n", formatMtime(meta.CreatedNs))
		kind := "file"
		if meta.IsDir {
			kind = "directory"
		}
		fmt.Fprintf(w, "Kind:       %s\n", kind)
	}

	if info.IsDir() {
		return describeDir(w, abs, rdir, analyzed, meta, opts)
	}
	return describeFile(w, abs, rdir, analyzed, opts)
}

func describeFile(w io.Writer, abs, rdir, analyzed string, opts DescribeOptions) (err error) {
	dups, err := loadFileRecord(rdir, analyzed, abs)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %d duplicate(s)\n", abs, len(dups))
	sortFileDuplicates(dups, opts.SortBy)
	for i, dup := range dups {
		if opts.Limit > 0 && i >= opts.Limit {
			break
		}
		fmt.Fprintf(w, "  %s  %s  %s\n", dup.Path, formatSizeOpt(dup.Size, opts.Bytes), identityLabel(dup.Identical))
	}
	return nil
}

func describeDir(w io.Writer, abs, rdir, analyzed string, meta *ReportMeta, opts DescribeOptions) (err error) {
	var dups []DirDuplicate
	if abs == analyzed && meta.IsDir {
		dups, err = ReadDirDuplicates(filepath.Join(rdir, reportDuplicatesName))
		if err != nil {
			return err
		}
	} else {
		dups, err = aggregateSubtree(rdir, analyzed, abs)
		if err != nil {
			return err
		}
	}

	total, items := duSize(abs)
	fmt.Fprintf(w, "%s: %s total in %d file(s), %d duplicate director(ies)\n",
		abs, formatSizeOpt(total, opts.Bytes), items, len(dups))
	sortDirDuplicates(dups, opts.SortBy)
	for i, dup := range dups {
		if opts.Limit > 0 && i >= opts.Limit {
			break
		}
		fmt.Fprintf(w, "  %s  %d item(s)  %s  %s\n",
			dup.Dir, dup.DuplicatedItems, formatSizeOpt(dup.DuplicatedSize, opts.Bytes), identityLabel(dup.Identical))
	}

	if opts.DirectoryOnly {
		return nil
	}
	return describeChildren(w, abs, rdir, analyzed, opts)
}

// describeChildren prints one row per immediate child of the directory,
// with its total size taken from the filesystem and its duplicated size
// from the report leaves.
func describeChildren(w io.Writer, abs, rdir, analyzed string, opts DescribeOptions) (err error) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return err
	}
	var rows []pathSummary
	for _, entry := range entries {
		child := filepath.Join(abs, entry.Name())
		row := pathSummary{path: entry.Name()}
		if entry.IsDir() {
			if entry.Name() == IndexDirName {
				continue
			}
			row.total, row.items = duSize(child)
			row.dup, _ = dupSizeUnder(rdir, analyzed, child)
		} else if entry.Type().IsRegular() {
			if info, ierr := entry.Info(); ierr == nil {
				row.total = info.Size()
				row.items = 1
			}
			if dups, derr := loadFileRecord(rdir, analyzed, child); derr == nil && len(dups) > 0 {
				row.dup = row.total
				row.records = len(dups)
			}
		} else {
			continue
		}
		rows = append(rows, row)
	}
	sortChildren(rows, opts.SortChildren)
	for _, row := range rows {
		fmt.Fprintf(w, "  %-40s %10s total %10s duplicated\n",
			row.path, formatSizeOpt(row.total, opts.Bytes), formatSizeOpt(row.dup, opts.Bytes))
	}
	return nil
}

func describeMany(w io.Writer, paths []string, opts DescribeOptions) (err error) {
	var rows []pathSummary
	for _, p := range paths {
		abs, aerr := filepath.Abs(p)
		if aerr != nil {
			return aerr
		}
		rdir, analyzed, ferr := FindReport(abs)
		if ferr != nil {
			return ferr
		}
		info, serr := os.Stat(abs)
		if serr != nil {
			return serr
		}
		row := pathSummary{path: p}
		if info.IsDir() {
			row.total, row.items = duSize(abs)
			row.dup, _ = dupSizeUnder(rdir, analyzed, abs)
		} else {
			row.total = info.Size()
			row.items = 1
			if dups, derr := loadFileRecord(rdir, analyzed, abs); derr == nil && len(dups) > 0 {
				row.dup = row.total
				row.records = len(dups)
			}
		}
		rows = append(rows, row)
	}
	if !opts.KeepInputOrder {
		sortChildren(rows, opts.SortChildren)
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%-40s %10s total %10s duplicated\n",
			row.path, formatSizeOpt(row.total, opts.Bytes), formatSizeOpt(row.dup, opts.Bytes))
	}
	return nil
}

// loadFileRecord reads the duplicate record for a file: the report's
// top-level record when the file itself was analyzed, otherwise the
// files/ leaf mirroring it.
func loadFileRecord(rdir, analyzed, abs string) (dups []FileDuplicate, err error) {
	if abs == analyzed {
		return ReadFileDuplicates(filepath.Join(rdir, reportDuplicatesName))
	}
	rel, err := filepath.Rel(analyzed, abs)
	if err != nil {
		return nil, err
	}
	leaf := filepath.Join(rdir, reportFilesDirName, rel)
	if !canstat(leaf) {
		return nil, nil
	}
	return ReadFileDuplicates(leaf)
}

// aggregateSubtree rebuilds directory-level aggregates for a
// subdirectory of an analyzed tree from the report leaves below it.
// Identity cannot be re-derived from leaves alone, so aggregated rows
// are reported as partial.
func aggregateSubtree(rdir, analyzed, abs string) (dups []DirDuplicate, err error) {
	rel, err := filepath.Rel(analyzed, abs)
	if err != nil {
		return nil, err
	}
	base := filepath.Join(rdir, reportFilesDirName, rel)
	aggs := make(map[string]*dirAgg)
	err = filepath.Walk(base, func(p string, info os.FileInfo, werr error) error {
		if werr != nil || info.IsDir() {
			return nil
		}
		records, rerr := ReadFileDuplicates(p)
		if rerr != nil {
			return nil
		}
		counted := make(map[string]bool)
		for _, record := range records {
			dir := filepath.ToSlash(filepath.Dir(record.Path))
			if dir == "." || counted[dir] {
				continue
			}
			counted[dir] = true
			agg := aggs[dir]
			if agg == nil {
				agg = &dirAgg{}
				aggs[dir] = agg
			}
			agg.items++
			agg.size += record.Size
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for dir, agg := range aggs {
		dups = append(dups, DirDuplicate{Dir: dir, DuplicatedItems: agg.items, DuplicatedSize: agg.size})
	}
	return dups, nil
}

// dupSizeUnder sums the duplicated bytes recorded in the report leaves
// below a directory.
func dupSizeUnder(rdir, analyzed, abs string) (size int64, err error) {
	rel, err := filepath.Rel(analyzed, abs)
	if err != nil {
		return 0, err
	}
	base := filepath.Join(rdir, reportFilesDirName, rel)
	err = filepath.Walk(base, func(p string, info os.FileInfo, werr error) error {
		if werr != nil || info.IsDir() {
			return nil
		}
		records, rerr := ReadFileDuplicates(p)
		if rerr != nil || len(records) == 0 {
			return nil
		}
		size += records[0].Size
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return size, err
}

// duSize totals the regular files below a path.
func duSize(abs string) (size, items int64) {
	filepath.Walk(abs, func(p string, info os.FileInfo, werr error) error {
		if werr != nil {
			return nil
		}
		if info.IsDir() && info.Name() == IndexDirName {
			return filepath.SkipDir
		}
		if info.Mode().IsRegular() {
			size += info.Size()
			items++
		}
		return nil
	})
	return
}

func identityLabel(identical bool) string {
	if identical {
		return identicalLabel
	}
	return partialLabel
}

func sortFileDuplicates(dups []FileDuplicate, by string) {
	sort.SliceStable(dups, func(i, j int) bool {
		switch by {
		case "items":
			return dups[i].Path < dups[j].Path
		case "identical":
			if dups[i].Identical != dups[j].Identical {
				return dups[i].Identical
			}
			return dups[i].Path < dups[j].Path
		case "path":
			if len(dups[i].Path) != len(dups[j].Path) {
				return len(dups[i].Path) < len(dups[j].Path)
			}
			return dups[i].Path < dups[j].Path
		default: // size
			if dups[i].Size != dups[j].Size {
				return dups[i].Size > dups[j].Size
			}
			return dups[i].Path < dups[j].Path
		}
	})
}

func sortDirDuplicates(dups []DirDuplicate, by string) {
	sort.SliceStable(dups, func(i, j int) bool {
		switch by {
		case "items":
			if dups[i].DuplicatedItems != dups[j].DuplicatedItems {
				return dups[i].DuplicatedItems > dups[j].DuplicatedItems
			}
			return dups[i].Dir < dups[j].Dir
		case "identical":
			if dups[i].Identical != dups[j].Identical {
				return dups[i].Identical
			}
			return dups[i].Dir < dups[j].Dir
		case "path":
			if len(dups[i].Dir) != len(dups[j].Dir) {
				return len(dups[i].Dir) < len(dups[j].Dir)
			}
			return dups[i].Dir < dups[j].Dir
		default: // size
			if dups[i].DuplicatedSize != dups[j].DuplicatedSize {
				return dups[i].DuplicatedSize > dups[j].DuplicatedSize
			}
			return dups[i].Dir < dups[j].Dir
		}
	})
}

func sortChildren(rows []pathSummary, by string) {
	sort.SliceStable(rows, func(i, j int) bool {
		switch by {
		case "dup-items":
			if rows[i].records != rows[j].records {
				return rows[i].records > rows[j].records
			}
			return rows[i].path < rows[j].path
		case "total-size":
			if rows[i].total != rows[j].total {
				return rows[i].total > rows[j].total
			}
			return rows[i].path < rows[j].path
		case "name":
			return rows[i].path < rows[j].path
		default: // dup-size
			if rows[i].dup != rows[j].dup {
				return rows[i].dup > rows[j].dup
			}
			return rows[i].path < rows[j].path
		}
	})
}

// formatSize renders a byte count in human-readable form.
func formatSize(size int64) string {
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB", "TB"} {
		if value < 1024.0 {
			if unit == "B" {
				return fmt.Sprintf("%d %s", int64(value), unit)
			}
			return fmt.Sprintf("%.2f %s", value, unit)
		}
		value /= 1024.0
	}
	return fmt.Sprintf("%.2f PB", value)
}

func formatSizeOpt(size int64, raw bool) string {
	if raw {
		return fmt.Sprintf("%d", size)
	}
	return formatSize(size)
}
