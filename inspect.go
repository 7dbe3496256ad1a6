package rededup

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Inspect walks the whole index in key order and emits one
// human-readable line per record:
//
//	manifest-property <name> <value>
//	file-hash <hex digest> ec_id:<n> <path> [<path>...]
//	file-metadata <path> digest:<hex> mtime:<timestamp> ec_id:<n|unset>
//
// Paths are printed with each component URL-quoted and joined by
// slashes. Keys outside the three spaces surface as OTHER lines; a key
// that cannot be decoded aborts with a diagnostic naming it.
func (r *Repository) Inspect(fn func(line string) error) (err error) {
	digestSize := 0
	if name, ok, cerr := r.store.GetConfig(ConfigHashAlgorithm); cerr == nil && ok {
		if algo, aerr := LookupHash(name); aerr == nil {
			digestSize = algo.Size
		}
	}

	return r.store.IterAll(func(key, val []byte) error {
		switch {
		case bytes.HasPrefix(key, prefixConfig):
			return fn(fmt.Sprintf("manifest-property %s %s", key[len(prefixConfig):], val))
		case bytes.HasPrefix(key, prefixBucket):
			if digestSize == 0 {
				return &CorruptIndexError{Key: key, Reason: "bucket entry without a recorded hash algorithm"}
			}
			digest, ecID, perr := parseBucketKey(key, digestSize)
			if perr != nil {
				return perr
			}
			paths, derr := decodeBucket(val)
			if derr != nil {
				return &CorruptIndexError{Key: key, Reason: derr.Error()}
			}
			quoted := make([]string, len(paths))
			for i, p := range paths {
				quoted[i] = quotePath(p)
			}
			return fn(fmt.Sprintf("file-hash %x ec_id:%d %s", digest, ecID, strings.Join(quoted, " ")))
		case bytes.HasPrefix(key, prefixSig):
			rel, perr := sigPath(key)
			if perr != nil {
				return perr
			}
			sig, derr := DecodeSignature(val)
			if derr != nil {
				return &CorruptIndexError{Key: key, Reason: derr.Error()}
			}
			ec := "unset"
			if sig.EcID != nil {
				ec = fmt.Sprintf("%d", *sig.EcID)
			}
			return fn(fmt.Sprintf("file-metadata %s digest:%x mtime:%s ec_id:%s",
				quotePath(rel), sig.Digest, formatMtime(sig.MtimeNs), ec))
		default:
			return fn(fmt.Sprintf("OTHER %q %q", key, val))
		}
	})
}

// quotePath URL-quotes each component of a slash path.
func quotePath(rel string) string {
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		parts[i] = url.QueryEscape(part)
	}
	return strings.Join(parts, "/")
}

// formatMtime renders nanoseconds since the epoch as a UTC timestamp
// with nanosecond precision.
func formatMtime(ns int64) string {
	return time.Unix(0, ns).UTC().Format("2006-01-02T15:04:05.000000000Z")
}
