// Package identity loads the process-wide node identity: a short opaque
// string read once from persistent storage and held immutable thereafter
// (spec.md §3 "Node identity", §9 "Process-wide identity"). Load reads
// the identity file, trims surrounding whitespace, validates the result,
// and caches it; Set installs an identity without file I/O.
package identity

import (
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/airfleet/air/pkg/codec"
)

// ErrInvalid is returned when the loaded identity fails codec.ValidateIdentity.
var ErrInvalid = errors.New("identity: value fails grammar validation")

var (
	once  sync.Once
	value string
	err   error
)

// Load reads and validates the node identity from path exactly once per
// process; subsequent calls (with any path) return the first result.
// Grounded on shared/src/messages.cpp's read_caller_id, which likewise
// reads an identity string once from a fixed location and validates it
// against the same grammar as every other identity on the wire.
func Load(path string) (string, error) {
	once.Do(func() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			err = readErr
			return
		}
		id := strings.TrimSpace(string(raw))
		if !codec.ValidateIdentity(id) {
			err = ErrInvalid
			return
		}
		value = id
	})
	return value, err
}

// Set installs id as the process-wide identity directly, bypassing file
// I/O, for use by tests and any caller that already obtained a validated
// identity through its own means. It only takes effect before the first
// Load/Set call resolves the sync.Once.
func Set(id string) error {
	once.Do(func() {
		if !codec.ValidateIdentity(id) {
			err = ErrInvalid
			return
		}
		value = id
	})
	return err
}
