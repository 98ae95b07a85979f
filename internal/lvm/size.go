package lvm

import (
	"regexp"
	"strings"

	"github.com/jvs-project/lvsnap/pkg/errclass"
)

var (
	absoluteSize = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[bBsSkKmMgGtTpPeE]?$`)
	relativeSize = regexp.MustCompile(`^[0-9]+%(VG|FREE|ORIGIN|PVS)$`)
)

// ValidateSize checks that size is an lvcreate --size value such as "1G"
// or an --extents value such as "20%ORIGIN".
func ValidateSize(size string) error {
	if size == "" {
		return errclass.ErrSizeInvalid.WithMessage("snapshot size must not be empty")
	}
	if absoluteSize.MatchString(size) {
		if strings.Trim(size, "0.bBsSkKmMgGtTpPeE") == "" {
			return errclass.ErrSizeInvalid.WithMessagef("snapshot size must be positive: %s", size)
		}
		return nil
	}
	if m := relativeSize.FindStringSubmatch(size); m != nil {
		if strings.TrimLeft(strings.TrimSuffix(size, "%"+m[1]), "0") == "" {
			return errclass.ErrSizeInvalid.WithMessagef("snapshot size must be positive: %s", size)
		}
		return nil
	}
	return errclass.ErrSizeInvalid.WithMessagef("snapshot size must look like 1G or 20%%ORIGIN: %s", size)
}

// sizeFlag returns the lvcreate flag that takes size.
func sizeFlag(size string) string {
	if strings.Contains(size, "%") {
		return "--extents"
	}
	return "--size"
}
