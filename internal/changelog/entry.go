package changelog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/statekeeper/internal/document"
)

// Class is the retention class an entry was recorded with.
type Class string

const (
	ClassCritical  Class = "critical"
	ClassAuxiliary Class = "auxiliary"
)

// Op names the mutation that produced an entry.
type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
)

// Entry is one recorded change. Critical entries carry full values;
// auxiliary entries carry SHA-256 digests of the JSON encoding plus a
// truncated preview of the new value.
type Entry struct {
	Seq         uint64          `json:"seq"`
	ID          string          `json:"id"`
	Path        string          `json:"path"`
	Class       Class           `json:"class"`
	Op          Op              `json:"op"`
	HadOld      bool            `json:"hadOld"`
	OldValue    *document.Value `json:"oldValue,omitempty"`
	NewValue    *document.Value `json:"newValue,omitempty"`
	OldDigest   string          `json:"oldDigest,omitempty"`
	NewDigest   string          `json:"newDigest,omitempty"`
	Preview     string          `json:"preview,omitempty"`
	Placeholder bool            `json:"placeholder,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// ErrSerialization marks values that could not be encoded for the log.
var ErrSerialization = errors.New("value could not be serialized")

// SerializationError reports which path could not be encoded.
type SerializationError struct {
	Path string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("changelog: serialize %s: %v", e.Path, e.Err)
}

func (e *SerializationError) Unwrap() error { return ErrSerialization }

// Cause returns the encoder error.
func (e *SerializationError) Cause() error { return e.Err }

func digest(v document.Value) (string, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func valuePtr(v document.Value) *document.Value {
	return &v
}
