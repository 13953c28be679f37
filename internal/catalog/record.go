// Package catalog holds the persisted document catalog: a long-lived main
// context read by observers, short-lived background contexts for writes, and
// a serialized save path that merges background changes into main.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"time"
)

// Handle identifies a document across contexts and process restarts. It is
// derived from the location the document was first cataloged at and kept
// when the record is later updated in place.
type Handle string

const handlePrefix = "d:"

// HandleFor derives the handle for a cleaned location.
func HandleFor(location string) Handle {
	sum := sha256.Sum256([]byte(location))
	return Handle(handlePrefix + hex.EncodeToString(sum[:16]))
}

// Valid reports whether h looks like a handle produced by HandleFor.
func (h Handle) Valid() bool {
	return strings.HasPrefix(string(h), handlePrefix) && len(h) == len(handlePrefix)+32
}

func (h Handle) String() string { return string(h) }

// Record is one document in the catalog.
type Record struct {
	Handle   Handle    `json:"handle"`
	Location string    `json:"location"`
	Title    string    `json:"title"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	AddedAt  time.Time `json:"added_at"`

	// Provisional marks a record created without confirmed disk metadata;
	// the next reconciliation pass that sees the file clears it.
	Provisional bool `json:"provisional,omitempty"`
}

// NewRecord builds a record for a location.
func NewRecord(location string, size int64, modTime time.Time) Record {
	return Record{
		Handle:   HandleFor(location),
		Location: location,
		Title:    TitleFor(location),
		Size:     size,
		ModTime:  modTime.UTC(),
		AddedAt:  time.Now().UTC(),
	}
}

// TitleFor is the display title for a location: the base name without its
// extension.
func TitleFor(location string) string {
	base := path.Base(location)
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// SameContent reports whether r and o describe the same bytes on disk.
func (r Record) SameContent(o Record) bool {
	return r.Size == o.Size && r.ModTime.Equal(o.ModTime)
}

// Changeset is the set of writes a context carries.
type Changeset struct {
	Upserts []Record
	Deletes []Handle
}

// Empty reports whether the changeset has nothing to persist.
func (c Changeset) Empty() bool {
	return len(c.Upserts) == 0 && len(c.Deletes) == 0
}
