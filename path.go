package rededup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IndexDirName is the name of the index directory at the repository root.
const IndexDirName = ".rededup"

// EnvRepository names the environment variable that overrides repository
// discovery.
const EnvRepository = "REDEDUP_REPOSITORY"

// EncodePath converts a repository-relative path into its key form:
// components joined by null bytes, with a null also terminating the
// final component. The terminator keeps a directory's prefix range from
// swallowing a sibling whose name merely starts with the same bytes.
func EncodePath(rel string) (enc []byte, err error) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	var buf bytes.Buffer
	for _, part := range parts {
		switch part {
		case "", ".", "..":
			return nil, fmt.Errorf("illegal path component %q in %q", part, rel)
		}
		if strings.ContainsRune(part, 0) {
			return nil, fmt.Errorf("null byte in path component of %q", rel)
		}
		buf.WriteString(part)
		buf.WriteByte(0)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("empty path")
	}
	return buf.Bytes(), nil
}

// DecodePath is the inverse of EncodePath. It returns the path in slash
// form.
func DecodePath(enc []byte) (rel string, err error) {
	if len(enc) == 0 || enc[len(enc)-1] != 0 {
		return "", fmt.Errorf("malformed encoded path %q", enc)
	}
	parts := strings.Split(string(enc[:len(enc)-1]), "\x00")
	for _, part := range parts {
		switch part {
		case "", ".", "..":
			return "", fmt.Errorf("illegal path component %q in encoded path", part)
		}
	}
	return strings.Join(parts, "/"), nil
}

// FindRepository locates the repository root: the explicit path if
// given, else the REDEDUP_REPOSITORY environment variable, else the
// nearest ancestor of the working directory holding a .rededup
// directory.
func FindRepository(explicit string) (root string, err error) {
	if explicit == "" {
		explicit = os.Getenv(EnvRepository)
	}
	if explicit != "" {
		root, err = filepath.Abs(explicit)
		if err != nil {
			return "", err
		}
		if !isRepositoryRoot(root) {
			return "", &NotRepositoryError{Path: root}
		}
		return root, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if isRepositoryRoot(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", &NotRepositoryError{}
		}
		dir = parent
	}
}

func isRepositoryRoot(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, IndexDirName))
	return err == nil && info.IsDir()
}

// absPath joins a repository root with a slash-form relative path.
func absPath(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}
