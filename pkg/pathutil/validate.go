// Package pathutil validates the names and paths lvsnap hands to LVM and mount.
package pathutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jvs-project/lvsnap/pkg/errclass"
)

// MaxNameLength is the longest logical volume name LVM accepts.
const MaxNameLength = 127

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9+_.-]+$`)

// Suffixes LVM reserves for its internal sub-volumes.
var reservedInfixes = []string{
	"_cdata", "_cmeta", "_corig", "_mlog", "_mimage", "_pmspare",
	"_rimage", "_rmeta", "_tdata", "_tmeta", "_vorigin", "_vdata",
}

// ValidateSnapshotName checks that name is usable as an LVM logical volume name.
func ValidateSnapshotName(name string) error {
	if name == "" {
		return errclass.ErrNameInvalid.WithMessage("snapshot name must not be empty")
	}

	name = norm.NFC.String(name)

	if name == "." || name == ".." {
		return errclass.ErrNameInvalid.WithMessagef("snapshot name must not be %q", name)
	}
	if len(name) > MaxNameLength {
		return errclass.ErrNameInvalid.WithMessagef("snapshot name longer than %d characters: %s", MaxNameLength, name)
	}
	if strings.ContainsAny(name, "/\\") {
		return errclass.ErrNameInvalid.WithMessagef("snapshot name must not contain separators: %s", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errclass.ErrNameInvalid.WithMessagef("snapshot name must not contain control characters: %q", name)
		}
	}
	if strings.HasPrefix(name, "-") {
		return errclass.ErrNameInvalid.WithMessagef("snapshot name must not start with '-': %s", name)
	}
	if !nameRegex.MatchString(name) {
		return errclass.ErrNameInvalid.WithMessagef("snapshot name must match [a-zA-Z0-9+_.-]+: %s", name)
	}
	if strings.HasPrefix(name, "snapshot") || strings.HasPrefix(name, "pvmove") {
		return errclass.ErrNameInvalid.WithMessagef("snapshot name uses a reserved prefix: %s", name)
	}
	for _, infix := range reservedInfixes {
		if strings.Contains(name, infix) {
			return errclass.ErrNameInvalid.WithMessagef("snapshot name contains reserved %q: %s", infix, name)
		}
	}
	return nil
}

// ValidateMountpoint checks that path is an absolute directory path other
// than the filesystem root, also after resolving symlinks.
func ValidateMountpoint(path string) error {
	if path == "" {
		return errclass.ErrMountpointInvalid.WithMessage("mountpoint must not be empty")
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return errclass.ErrMountpointInvalid.WithMessagef("mountpoint must not contain control characters: %q", path)
		}
	}
	if !filepath.IsAbs(path) {
		return errclass.ErrMountpointInvalid.WithMessagef("mountpoint must be absolute: %s", path)
	}
	if filepath.Clean(path) == "/" {
		return errclass.ErrMountpointInvalid.WithMessage("mountpoint must not be /")
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return errclass.ErrMountpointInvalid.WithMessagef("cannot resolve mountpoint: %v", err)
		}
		resolved = resolveClosestAncestor(path)
	}
	if resolved == "/" {
		return errclass.ErrMountpointInvalid.WithMessagef("mountpoint resolves to /: %s", path)
	}
	return nil
}

// resolveClosestAncestor walks up from path to find the closest existing
// ancestor, resolves it, then appends the remaining components.
func resolveClosestAncestor(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			resolved = resolveClosestAncestor(dir)
		} else {
			return filepath.Clean(path)
		}
	}
	return filepath.Join(resolved, base)
}
