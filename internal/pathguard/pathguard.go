// Package pathguard confines bucket paths to the root a driver was
// configured with.
//
// Resolve is used by drivers that operate on the local filesystem and also
// follows symlinks. Join is the lexical variant for slash-separated remote
// paths (FTP, SFTP, object keys). Both fail with errs.ErrKindBadRequest
// before any storage is touched.
package pathguard

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/koustreak/bucketgw/internal/errs"
)

const msgEscaping = "escaping root"

// Resolve maps rel onto the local directory root and returns the absolute
// target. Lexical traversal ("..") and symlinks that lead outside root are
// both rejected.
func Resolve(root, rel string) (string, error) {
	if err := checkRel(rel); err != nil {
		return "", err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errs.Wrap(errs.ErrKindBadRequest, "invalid root", err)
	}

	target := filepath.Join(absRoot, filepath.FromSlash(rel))
	if !within(absRoot, target, string(filepath.Separator)) {
		return "", errs.Newf(errs.ErrKindBadRequest, "%s: %s", msgEscaping, rel)
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		// A missing root is reported by the first stat the driver makes.
		if errors.Is(err, fs.ErrNotExist) {
			return target, nil
		}
		return "", errs.Wrap(errs.ErrKindBadRequest, "invalid root", err)
	}

	existing := deepestExisting(absRoot, target)
	realExisting, err := filepath.EvalSymlinks(existing)
	if err != nil {
		// dangling link
		return "", errs.Wrap(errs.ErrKindBadRequest, msgEscaping, err)
	}
	if !within(realRoot, realExisting, string(filepath.Separator)) {
		return "", errs.Newf(errs.ErrKindBadRequest, "%s: %s", msgEscaping, rel)
	}
	return target, nil
}

// Join maps rel onto the slash-separated remote root. root may be empty,
// in which case the cleaned relative path is returned.
func Join(root, rel string) (string, error) {
	if err := checkRel(rel); err != nil {
		return "", err
	}

	clean := path.Clean("/" + rel)[1:]
	if strings.Contains(rel, "..") {
		// path.Clean("/"+rel) silently drops a leading "..", so check the
		// relative form as well.
		if c := path.Clean(rel); c == ".." || strings.HasPrefix(c, "../") {
			return "", errs.Newf(errs.ErrKindBadRequest, "%s: %s", msgEscaping, rel)
		}
	}

	if root == "" {
		return clean, nil
	}
	if clean == "" {
		return root, nil
	}
	return path.Join(root, clean), nil
}

// Rel returns target relative to the slash-separated root, or "" for the
// root itself.
func Rel(root, target string) string {
	root = strings.TrimSuffix(path.Clean("/"+root), "/")
	target = path.Clean("/" + target)
	rel := strings.TrimPrefix(target, root)
	return strings.TrimPrefix(rel, "/")
}

func checkRel(rel string) error {
	if strings.ContainsRune(rel, 0) {
		return errs.New(errs.ErrKindBadRequest, "invalid path")
	}
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return errs.Newf(errs.ErrKindBadRequest, "%s: %s", msgEscaping, rel)
	}
	return nil
}

func within(root, target, sep string) bool {
	if target == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, sep) {
		prefix += sep
	}
	return strings.HasPrefix(target, prefix)
}

// deepestExisting walks up from target until it finds a path that exists,
// stopping at root.
func deepestExisting(root, target string) string {
	for p := target; ; p = filepath.Dir(p) {
		if _, err := os.Lstat(p); err == nil {
			return p
		}
		if p == root || p == filepath.Dir(p) {
			return root
		}
	}
}
