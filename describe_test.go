package rededup

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// Describe on an analyzed file reads the report back and names the
// duplicate.
func TestDescribeFile(t *testing.T) {
	repo := mkrepo(t)
	foo := mkfile(t, repo.Root, "foo", "hello world")
	rebuild(t, repo)

	ext := t.TempDir()
	bar := mkfile(t, ext, "bar", "hello world")
	sametimes(t, time.Now().Add(-time.Hour), foo, bar)
	analyze(t, repo, DefaultMatchPolicy(), bar)

	var out bytes.Buffer
	ckt(t, Describe(&out, []string{bar}, DescribeOptions{Limit: 1}))
	text := out.String()
	tassert(t, strings.Contains(text, "1 duplicate(s)"), "got %q", text)
	tassert(t, strings.Contains(text, "foo"), "duplicate path missing: %q", text)
	tassert(t, strings.Contains(text, "identical"), "identity missing: %q", text)
}

func TestDescribeBytesFlag(t *testing.T) {
	repo := mkrepo(t)
	foo := mkfile(t, repo.Root, "foo", "1234567890")
	rebuild(t, repo)

	ext := t.TempDir()
	bar := mkfile(t, ext, "bar", "1234567890")
	sametimes(t, time.Now().Add(-time.Hour), foo, bar)
	analyze(t, repo, DefaultMatchPolicy(), bar)

	var out bytes.Buffer
	ckt(t, Describe(&out, []string{bar}, DescribeOptions{Limit: 1, Bytes: true}))
	tassert(t, strings.Contains(out.String(), "10"), "raw byte size missing: %q", out.String())
}

// Describe without a report is an error the caller can surface.
func TestDescribeWithoutReport(t *testing.T) {
	ext := t.TempDir()
	orphan := mkfile(t, ext, "orphan", "data")
	var out bytes.Buffer
	err := Describe(&out, []string{orphan}, DescribeOptions{})
	tassert(t, err != nil, "expected error without a report")
}

func TestDescribeDetails(t *testing.T) {
	repo := mkrepo(t)
	mkfile(t, repo.Root, "foo", "abc")
	rebuild(t, repo)

	ext := t.TempDir()
	bar := mkfile(t, ext, "bar", "abc")
	analyze(t, repo, DefaultMatchPolicy(), bar)

	var out bytes.Buffer
	ckt(t, Describe(&out, []string{bar}, DescribeOptions{Details: true}))
	text := out.String()
	for _, want := range []string{"Report:", "Analyzed:", "Repository:", "Timestamp:", "Kind:"} {
		tassert(t, strings.Contains(text, want), "missing %s in %q", want, text)
	}
}

func TestDescribeDirectory(t *testing.T) {
	repo := mkrepo(t)
	rx := mkfile(t, repo.Root, "d/x", "xxxx")
	rebuild(t, repo)

	ext := t.TempDir()
	in := ext + "/in"
	ax := mkfile(t, ext, "in/x", "xxxx")
	sametimes(t, time.Now().Add(-time.Hour), rx, ax)
	analyze(t, repo, DefaultMatchPolicy(), in)

	var out bytes.Buffer
	ckt(t, Describe(&out, []string{in}, DescribeOptions{Limit: 1, DirectoryOnly: true}))
	text := out.String()
	tassert(t, strings.Contains(text, "1 duplicate director(ies)"), "got %q", text)
	tassert(t, strings.Contains(text, "d "), "candidate dir missing: %q", text)
}

func TestDescribeDirectoryFlagOnFile(t *testing.T) {
	repo := mkrepo(t)
	mkfile(t, repo.Root, "foo", "abc")
	rebuild(t, repo)
	ext := t.TempDir()
	bar := mkfile(t, ext, "bar", "abc")
	analyze(t, repo, DefaultMatchPolicy(), bar)

	var out bytes.Buffer
	err := Describe(&out, []string{bar}, DescribeOptions{DirectoryOnly: true})
	tassert(t, err != nil && ExitCode(err) == ExitUsage, "expected usage error, got %v", err)
}

func TestFormatSize(t *testing.T) {
	tassert(t, formatSize(512) == "512 B", "got %q", formatSize(512))
	tassert(t, formatSize(2048) == "2.00 KB", "got %q", formatSize(2048))
	tassert(t, formatSize(1048576) == "1.00 MB", "got %q", formatSize(1048576))
}
