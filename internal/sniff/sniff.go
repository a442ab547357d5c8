// Package sniff guesses the MIME type of bucket content. The result is
// advisory metadata and never affects how a driver treats a path.
package sniff

import (
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Unknown is reported when neither the content nor the name gives a hint.
const Unknown = "unknown"

// Directory is the MIME type and label used for directories.
const (
	DirectoryMIME  = "inode/directory"
	DirectoryLabel = "Directory"
)

// Type is the outcome of a detection.
type Type struct {
	MIME  string
	Label string
}

// generic sniff results carry no information beyond "some bytes".
var generic = map[string]bool{
	"text/plain":               true,
	"application/octet-stream": true,
	"application/x-empty":      true,
}

// Detect determines the type of the file called name from a sample of its
// leading bytes. Content sniffing wins unless it is inconclusive, in which
// case the extension is consulted.
func Detect(name string, sample []byte) Type {
	var sniffed string
	if len(sample) > 0 {
		sniffed = essence(mimetype.Detect(sample).String())
		if !generic[sniffed] {
			return Type{MIME: sniffed, Label: label(sniffed)}
		}
	}

	if byExt := ByExtension(name); byExt != "" {
		return Type{MIME: byExt, Label: label(byExt)}
	}

	if sniffed != "" {
		return Type{MIME: sniffed, Label: label(sniffed)}
	}
	return Type{MIME: Unknown, Label: Unknown}
}

// ByExtension guesses the MIME type from the file extension alone. It is
// cheap enough to call for every entry of a listing. Returns "" when the
// extension is unknown.
func ByExtension(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	return essence(mime.TypeByExtension(ext))
}

// essence strips parameters such as "; charset=utf-8".
func essence(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

var labels = map[string]string{
	"application/pdf":                "PDF document",
	"application/json":               "JSON data",
	"application/xml":                "XML document",
	"application/zip":                "Zip archive",
	"application/gzip":               "gzip compressed data",
	"application/x-tar":              "tar archive",
	"application/x-empty":            "empty",
	"application/octet-stream":       "data",
	"text/plain":                     "text",
	"text/csv":                       "CSV text",
	"text/html":                      "HTML document",
	"application/x-sqlite3":          "SQLite database",
	"application/vnd.ms-excel":       "Excel spreadsheet",
	"application/x-elf":              "ELF executable",
	"application/x-executable":       "executable",
	"application/x-gzip":             "gzip compressed data",
	"application/x-bzip2":            "bzip2 compressed data",
	"application/x-7z-compressed":    "7-zip archive",
	"application/x-hdf5":             "HDF5 data",
	"application/vnd.apache.parquet": "Parquet data",
}

func label(m string) string {
	if l, ok := labels[m]; ok {
		return l
	}
	top, sub, ok := strings.Cut(m, "/")
	if !ok {
		return Unknown
	}
	switch top {
	case "image", "audio", "video", "font":
		return strings.ToUpper(strings.TrimPrefix(sub, "x-")) + " " + top
	case "text":
		return strings.TrimPrefix(sub, "x-") + " text"
	default:
		return sub
	}
}
