// Package bucket holds the bucket model, the persistence contract for bucket
// records and the Service the HTTP layer talks to.
package bucket

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"

	"github.com/google/uuid"

	"github.com/koustreak/bucketgw/internal/errs"
)

var nameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Bucket is a named, driver-backed storage root.
type Bucket struct {
	ID       uuid.UUID       `json:"id"`
	Name     string          `json:"name"`
	Driver   string          `json:"driver"`
	Settings json.RawMessage `json:"settings"`
	Enabled  bool            `json:"enabled"`
}

// Clone returns a deep copy of b.
func (b *Bucket) Clone() *Bucket {
	c := *b
	c.Settings = append(json.RawMessage(nil), b.Settings...)
	return &c
}

// ValidateName checks name against the bucket naming rule.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return errs.Newf(errs.ErrKindInvalidInput, "invalid bucket name %q", name)
	}
	return nil
}

// Patch is a partial update of a bucket. Name and driver are immutable.
type Patch struct {
	Settings json.RawMessage `json:"settings,omitempty"`
	Enabled  *bool           `json:"enabled,omitempty"`
}

// Empty reports whether p changes nothing.
func (p Patch) Empty() bool {
	return len(bytes.TrimSpace(p.Settings)) == 0 && p.Enabled == nil
}

// Apply writes the fields set in p onto b.
func (p Patch) Apply(b *Bucket) {
	if len(bytes.TrimSpace(p.Settings)) > 0 {
		b.Settings = append(json.RawMessage(nil), p.Settings...)
	}
	if p.Enabled != nil {
		b.Enabled = *p.Enabled
	}
}

// Store persists bucket records. Implementations return errs.ErrKindNotFound
// for missing buckets and errs.ErrKindConflict for duplicate names.
type Store interface {
	// List returns all buckets ordered by name.
	List(ctx context.Context) ([]Bucket, error)

	Get(ctx context.Context, name string) (*Bucket, error)

	// Insert stores b, assigning an ID when b.ID is zero.
	Insert(ctx context.Context, b *Bucket) (uuid.UUID, error)

	Update(ctx context.Context, name string, p Patch) (uuid.UUID, error)

	Delete(ctx context.Context, name string) (uuid.UUID, error)
}

// NotFound is the error stores return for a missing bucket.
func NotFound(name string) error {
	return errs.Newf(errs.ErrKindNotFound, "bucket %s not found", name)
}

// Duplicate is the error stores return when name is taken.
func Duplicate(name string) error {
	return errs.Newf(errs.ErrKindConflict, "bucket %s already exists", name)
}
