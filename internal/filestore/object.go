package filestore

import (
	"encoding/json"
	"io"
	"time"
)

// Entry describes a file or directory inside a bucket.
type Entry struct {
	// Name is the path relative to the bucket root, slash-separated.
	Name string `json:"name"`

	Dir     bool      `json:"dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`

	// MIME is advisory; empty when nothing could be guessed.
	MIME string `json:"mime,omitempty"`

	// Type is a human readable label. Only set on the requested target.
	Type string `json:"type,omitempty"`

	// Files lists the children of a directory target. Nil for files and for
	// entries inside a listing.
	Files []Entry `json:"files,omitempty"`

	// Preview holds the first bytes of a file target decoded as text, or nil
	// when the content is not valid UTF-8.
	Preview *string `json:"preview,omitempty"`
}

// listing has Entry's fields without its MarshalJSON.
type listing Entry

// MarshalJSON emits the compact form for listing entries and the full form,
// with explicit files and preview, for the requested target.
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return json.Marshal(listing(e))
	}

	full := struct {
		listing
		Files   []Entry `json:"files"`
		Preview *string `json:"preview"`
	}{listing: listing(e), Files: e.Files, Preview: e.Preview}
	if e.Dir && full.Files == nil {
		full.Files = []Entry{}
	}
	return json.Marshal(full)
}

// PutResult is returned by Driver.Put.
type PutResult struct {
	Size int64 `json:"size"`
}

// Object is a streaming handle to a file's content.
// The caller MUST call Close() after reading to avoid resource leaks; for
// network drivers Close also returns the pooled session.
type Object interface {
	io.ReadCloser

	// Info returns the metadata for this object.
	Info() *Entry
}

// NewObject pairs a reader with its metadata.
func NewObject(rc io.ReadCloser, info *Entry) Object {
	return &object{ReadCloser: rc, info: info}
}

type object struct {
	io.ReadCloser
	info *Entry
}

func (o *object) Info() *Entry {
	return o.info
}
