package rededup

import (
	"os"
	"syscall"
)

// MatchPolicy selects which metadata fields must agree for two
// byte-identical files to count as identical. Size always participates,
// trivially: byte-identical files cannot differ in size.
type MatchPolicy struct {
	Mtime bool
	Atime bool
	Ctime bool
	Mode  bool
	Owner bool
	Group bool
}

// DefaultMatchPolicy excludes atime and ctime; everything else
// participates.
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{Mtime: true, Mode: true, Owner: true, Group: true}
}

// MetadataVerdict records field-by-field equality between two files.
type MetadataVerdict struct {
	Mtime bool
	Atime bool
	Ctime bool
	Mode  bool
	Owner bool
	Group bool
}

// CompareMetadata compares two lstat results field by field, at
// nanosecond precision for the timestamps.
func CompareMetadata(a, b os.FileInfo) MetadataVerdict {
	v := MetadataVerdict{
		Mtime: a.ModTime().UnixNano() == b.ModTime().UnixNano(),
		Mode:  a.Mode() == b.Mode(),
	}
	sa, aok := a.Sys().(*syscall.Stat_t)
	sb, bok := b.Sys().(*syscall.Stat_t)
	if aok && bok {
		v.Atime = sa.Atim == sb.Atim
		v.Ctime = sa.Ctim == sb.Ctim
		v.Owner = sa.Uid == sb.Uid
		v.Group = sa.Gid == sb.Gid
	}
	return v
}

// Identical reports whether the verdict satisfies the policy: every
// enabled field must match.
func (p MatchPolicy) Identical(v MetadataVerdict) bool {
	return (!p.Mtime || v.Mtime) &&
		(!p.Atime || v.Atime) &&
		(!p.Ctime || v.Ctime) &&
		(!p.Mode || v.Mode) &&
		(!p.Owner || v.Owner) &&
		(!p.Group || v.Group)
}
