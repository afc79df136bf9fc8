// Package user provides the 64-bit user identity used throughout the engine.
//
// User names are hashed once with a process-wide random seed; all maps and
// comparisons operate on the 64-bit value. The textual name is only kept
// around for diagnostics when the log level is verbose enough to print it.
package user

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
)

// seed is chosen once per process. Ids do not need to be stable across
// processes, only within one.
var seed = maphash.MakeSeed()

// names maps hash -> original name, populated only when the effective log
// level is Info or more verbose.
var names sync.Map

// ID is the hashed identity of a user.
type ID struct {
	hash uint64
}

// New hashes a textual user identifier. The conversion is infallible.
func New(name string) ID {
	h := maphash.String(seed, name)
	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		names.LoadOrStore(h, name)
	}
	return ID{hash: h}
}

// Hash returns the raw 64-bit identity. Because the value is already the
// output of a seeded hash, maps keyed by it need no second hashing pass.
func (id ID) Hash() uint64 {
	return id.hash
}

func (id ID) String() string {
	if name, ok := names.Load(id.hash); ok {
		return name.(string)
	}
	return fmt.Sprintf("user #%d", id.hash)
}

// UnmarshalJSON decodes a JSON string through the same hashing path as New.
func (id *ID) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("user id must be a string: %w", err)
	}
	*id = New(name)
	return nil
}

// Scan decodes a database column through the same hashing path as New.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*id = New(v)
	case []byte:
		*id = New(string(v))
	default:
		return fmt.Errorf("cannot decode user id from %T", src)
	}
	return nil
}
