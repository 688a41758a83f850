package archive

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bcgov/asa-go/internal/offline/run"
)

// DefaultFamily is the high fire intensity archive family.
const DefaultFamily = "hfi"

const archiveExt = ".pmtiles"

// ErrInvalidFilename is returned for names outside the cache's archive family.
var ErrInvalidFilename = errors.New("invalid archive filename")

// Suffix returns the filename suffix shared by every archive of family.
func Suffix(family string) string {
	return "." + family + archiveExt
}

// Filename derives the archive filename for desc, for example
// "2025-08-26_forecast_2025-08-25.hfi.pmtiles".
func Filename(family string, desc run.Descriptor) (string, error) {
	if err := validateFamily(family); err != nil {
		return "", err
	}
	if err := desc.Validate(); err != nil {
		return "", fmt.Errorf("archive filename: %w", err)
	}
	return fmt.Sprintf("%s_%s_%s%s", desc.ForDate, desc.RunType, desc.RunDate(), Suffix(family)), nil
}

func validateFamily(family string) error {
	if family == "" {
		return errors.New("archive family is required")
	}
	for _, r := range family {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return fmt.Errorf("archive family %q must be lower-case alphanumeric", family)
		}
	}
	return nil
}

func checkFilename(family, filename string) error {
	suffix := Suffix(family)
	if strings.ContainsRune(filename, '/') || len(filename) <= len(suffix) || !strings.HasSuffix(filename, suffix) {
		return fmt.Errorf("%w: %q does not end in %s", ErrInvalidFilename, filename, suffix)
	}
	return nil
}
