package core

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// NewEntryID returns a lexicographically sortable identifier for trace entries.
func NewEntryID() string { return ulid.Make().String() }
