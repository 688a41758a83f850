package archive

import (
	"errors"
	"fmt"

	"github.com/bcgov/asa-go/internal/offline/run"
)

var (
	// ErrFetchTimeout is matched by FetchErrors caused by the fetch deadline.
	ErrFetchTimeout = errors.New("archive fetch timed out")
	// ErrCorruptReadback means text the cache had just encoded and written did
	// not decode on read-back. It indicates a defect, not a cache miss.
	ErrCorruptReadback = errors.New("archive read-back does not decode")
)

// FetchError reports a failed remote fetch. Nothing was written, so any
// archive previously stored under Filename is untouched.
type FetchError struct {
	Filename string
	Run      run.Descriptor
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch archive %s: %v", e.Filename, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the fetch hit its deadline.
func (e *FetchError) Timeout() bool {
	return errors.Is(e.Err, ErrFetchTimeout)
}

// WriteError reports a local persistence failure after a successful fetch.
// It keeps the encoded payload so Cache.RetryWrite can persist again without
// another download.
type WriteError struct {
	Filename string
	Run      run.Descriptor
	Err      error

	encoded string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persist archive %s: %v", e.Filename, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// PayloadSize is the size of the encoded payload held for a retry.
func (e *WriteError) PayloadSize() int {
	return len(e.encoded)
}
