package filestore

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"

	"github.com/koustreak/bucketgw/internal/errs"
)

// Driver keys of the built-in drivers.
const (
	KeyLocal = "fs"
	KeyFTP   = "ftp"
	KeySFTP  = "sftp"
	KeyMinIO = "minio"
)

// BufferSize is the copy buffer used by drivers when streaming content.
const BufferSize = 64 * 1024

// PreviewSize is the number of bytes read for a file preview and sniffing.
const PreviewSize = 1024

// DecodeSettings unmarshals raw bucket settings into dst, which should already
// hold the driver's defaults.
func DecodeSettings(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.Wrap(errs.ErrKindInvalidInput, "invalid settings", err)
	}
	return nil
}

// Fingerprint hashes decoded settings so pooled sessions can tell whether
// they were dialed with the settings a bucket currently has.
func Fingerprint(settings any) uint64 {
	data, err := json.Marshal(settings)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}
