package rededup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/vmihailenco/msgpack"
)

// ReportSuffix is appended to an analyzed path to form its report
// directory.
const ReportSuffix = ".report"

// Names of the entries inside a report directory.
const (
	reportMetaName       = "meta"
	reportDuplicatesName = "duplicates"
	reportFilesDirName   = "files"
)

// PolicyVector is the serialized form of a MatchPolicy, recorded in the
// report so read-only consumers can reproduce the verdicts.
type PolicyVector struct {
	_msgpack struct{} `msgpack:",asArray"`

	Mtime bool
	Atime bool
	Ctime bool
	Mode  bool
	Owner bool
	Group bool
}

// Vector converts a policy for serialization.
func (p MatchPolicy) Vector() PolicyVector {
	return PolicyVector{Mtime: p.Mtime, Atime: p.Atime, Ctime: p.Ctime, Mode: p.Mode, Owner: p.Owner, Group: p.Group}
}

// Policy converts a serialized vector back into a policy.
func (v PolicyVector) Policy() MatchPolicy {
	return MatchPolicy{Mtime: v.Mtime, Atime: v.Atime, Ctime: v.Ctime, Mode: v.Mode, Owner: v.Owner, Group: v.Group}
}

// ReportMeta describes one report directory.
type ReportMeta struct {
	_msgpack struct{} `msgpack:",asArray"`

	CreatedNs    int64
	AnalyzedPath string
	Repository   string
	Policy       PolicyVector
	IsDir        bool
}

// FileDuplicate records one repository file sharing the analyzed file's
// digest. Identical means byte-identical content plus a metadata match
// under the report's policy.
type FileDuplicate struct {
	_msgpack struct{} `msgpack:",asArray"`

	Path      string // repository-relative
	EcID      uint32
	Identical bool
	Size      int64
}

// DirDuplicate aggregates the matches between an analyzed directory and
// one repository directory.
type DirDuplicate struct {
	_msgpack struct{} `msgpack:",asArray"`

	Dir             string // repository-relative
	DuplicatedItems int64
	DuplicatedSize  int64
	Identical       bool
}

// ReportDir returns the report directory for an analyzed path.
func ReportDir(analyzed string) string {
	return analyzed + ReportSuffix
}

func writeReportFile(path string, v interface{}) (err error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, buf, 0644)
}

func readReportFile(path string, v interface{}) (err error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(buf, v)
}

func writeReportMeta(rdir string, meta *ReportMeta) error {
	return writeReportFile(filepath.Join(rdir, reportMetaName), meta)
}

// ReadReportMeta loads a report's meta record.
func ReadReportMeta(rdir string) (meta *ReportMeta, err error) {
	meta = &ReportMeta{}
	err = readReportFile(filepath.Join(rdir, reportMetaName), meta)
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func writeFileDuplicates(path string, dups []FileDuplicate) error {
	return writeReportFile(path, dups)
}

// ReadFileDuplicates loads a file-level duplicate record: the report's
// top-level duplicates for a file input, or a files/ leaf for a
// directory input.
func ReadFileDuplicates(path string) (dups []FileDuplicate, err error) {
	err = readReportFile(path, &dups)
	if err != nil {
		return nil, err
	}
	return dups, nil
}

func writeDirDuplicates(path string, dups []DirDuplicate) error {
	return writeReportFile(path, dups)
}

// ReadDirDuplicates loads the directory-level aggregate records of a
// directory input's report.
func ReadDirDuplicates(path string) (dups []DirDuplicate, err error) {
	err = readReportFile(path, &dups)
	if err != nil {
		return nil, err
	}
	return dups, nil
}

// FindReport searches upward from p for the report covering it: first
// p's own, then each ancestor's. It returns the report directory and
// the analyzed root it belongs to.
func FindReport(p string) (rdir, analyzed string, err error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", "", err
	}
	for cur := abs; ; {
		candidate := ReportDir(cur)
		if info, serr := os.Stat(candidate); serr == nil && info.IsDir() {
			if _, serr := os.Stat(filepath.Join(candidate, reportMetaName)); serr == nil {
				return candidate, cur, nil
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", "", fmt.Errorf("no analysis report found for %s", p)
		}
		cur = parent
	}
}
