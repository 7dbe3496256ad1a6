package rededup

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReportMetaRoundTrip(t *testing.T) {
	rdir := filepath.Join(t.TempDir(), "x.report")
	meta := &ReportMeta{
		CreatedNs:    1234567890,
		AnalyzedPath: "/some/where",
		Repository:   "/repo",
		Policy:       DefaultMatchPolicy().Vector(),
		IsDir:        true,
	}
	ckt(t, writeReportMeta(rdir, meta))

	back, err := ReadReportMeta(rdir)
	ckt(t, err)
	tassert(t, *back == *meta, "meta mangled: %+v vs %+v", back, meta)
	tassert(t, back.Policy.Policy() == DefaultMatchPolicy(), "policy vector mangled")
}

func TestFileDuplicatesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplicates")
	dups := []FileDuplicate{
		{Path: "a/b", EcID: 0, Identical: true, Size: 10},
		{Path: "c", EcID: 3, Identical: false, Size: 0},
	}
	ckt(t, writeFileDuplicates(path, dups))
	back, err := ReadFileDuplicates(path)
	ckt(t, err)
	tassert(t, len(back) == 2 && back[0] == dups[0] && back[1] == dups[1], "got %v", back)
}

func TestDirDuplicatesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duplicates")
	dups := []DirDuplicate{
		{Dir: "d", DuplicatedItems: 2, DuplicatedSize: 1024, Identical: true},
	}
	ckt(t, writeDirDuplicates(path, dups))
	back, err := ReadDirDuplicates(path)
	ckt(t, err)
	tassert(t, len(back) == 1 && back[0] == dups[0], "got %v", back)
}

// FindReport walks upward until it finds an enclosing report.
func TestFindReport(t *testing.T) {
	base := t.TempDir()
	analyzed := filepath.Join(base, "tree")
	ckt(t, os.MkdirAll(filepath.Join(analyzed, "deep/er"), 0755))
	ckt(t, writeReportMeta(ReportDir(analyzed), &ReportMeta{AnalyzedPath: analyzed}))

	rdir, root, err := FindReport(filepath.Join(analyzed, "deep/er"))
	ckt(t, err)
	tassert(t, rdir == ReportDir(analyzed), "wrong report dir %s", rdir)
	tassert(t, root == analyzed, "wrong analyzed root %s", root)

	_, _, err = FindReport(base)
	tassert(t, err != nil, "expected no report above the analyzed tree")
}

func TestPolicyVectorRoundTrip(t *testing.T) {
	policy := MatchPolicy{Mtime: true, Atime: true, Ctime: false, Mode: true, Owner: false, Group: true}
	tassert(t, policy.Vector().Policy() == policy, "vector round trip failed")
}
