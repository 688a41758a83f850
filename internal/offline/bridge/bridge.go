// Package bridge moves binary payloads through storage that only persists
// text. Encoding is standard padded base64, which is what the device
// filesystem plugin expects for binary data.
package bridge

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// DecodeError reports text that could not be turned back into bytes.
type DecodeError struct {
	// Offset is the byte offset of the first illegal input, or -1 when the
	// input length itself was invalid.
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("decode payload: illegal data at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("decode payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode returns the text form of payload.
func Encode(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

// EncodedLen returns the length of Encode's result for n payload bytes.
func EncodedLen(n int) int {
	return base64.StdEncoding.EncodedLen(n)
}

// Decode reverses Encode. It never returns partially decoded bytes: any
// malformed input yields a *DecodeError and a nil slice.
func Decode(text string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			return nil, &DecodeError{Offset: int64(corrupt), Err: err}
		}
		return nil, &DecodeError{Offset: -1, Err: err}
	}
	return out, nil
}
