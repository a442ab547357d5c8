// Package filestore defines the contract every bucket storage driver
// implements.
//
// All drivers (local filesystem, FTP, SFTP, MinIO, …) implement Driver and are
// published to the registry through a Factory. Callers depend only on this
// package, never on a specific driver package.
//
// Usage:
//
//	drv, err := reg.Construct("fs", "tBcfs", settings)
//	if err != nil { ... }
//
//	entry, err := drv.Get(ctx, "abc", true)
package filestore

import (
	"context"
	"encoding/json"
	"io"
)

// Driver is the capability set of one storage backend, bound to the settings
// of one bucket. Paths are slash-separated and relative to the bucket root;
// "" denotes the root itself.
type Driver interface {
	// Get returns metadata for path. Directories carry a listing of their
	// immediate children, or of all descendants when recursive is true.
	// Files carry a best-effort text preview.
	Get(ctx context.Context, path string, recursive bool) (*Entry, error)

	// Download opens the raw content of the file at path.
	// The caller MUST call Object.Close() after reading.
	Download(ctx context.Context, path string) (Object, error)

	// Put writes r to path, creating intermediate directories as needed.
	Put(ctx context.Context, path string, r io.Reader) (*PutResult, error)

	// Delete removes path and, for directories, everything beneath it.
	Delete(ctx context.Context, path string) error
}

// Factory builds Driver instances for one driver key.
type Factory interface {
	// Name is the registry key buckets refer to (e.g. "fs").
	Name() string

	// Description is a one-line human readable summary.
	Description() string

	// SettingsSchema is the JSON Schema document bucket settings must satisfy.
	SettingsSchema() []byte

	// Open binds a driver to the settings of bucket. settings has already
	// been validated against SettingsSchema.
	Open(bucket string, settings json.RawMessage) (Driver, error)
}

// Forgetter is implemented by factories that keep per-bucket state (pooled
// sessions) which must be dropped when a bucket changes or disappears.
type Forgetter interface {
	Forget(bucket string)
}

// Closer is implemented by factories holding process-wide resources that
// must be released at shutdown.
type Closer interface {
	Close(ctx context.Context) error
}
