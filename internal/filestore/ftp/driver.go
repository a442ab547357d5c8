// Package ftp implements the "ftp" driver on top of github.com/jlaffaye/ftp.
//
// Logging in is slow compared to a single listing, so every bucket keeps one
// logged-in session in a sesscache.Cache. Operations on one bucket are
// serialised by the cache; different buckets run in parallel.
package ftp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/textproto"
	"path"
	"slices"
	"strings"

	"github.com/jlaffaye/ftp"

	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/filestore"
	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/koustreak/bucketgw/internal/pathguard"
	"github.com/koustreak/bucketgw/internal/sesscache"
	"github.com/koustreak/bucketgw/internal/sniff"
)

const settingsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "FtpSettings",
  "type": "object",
  "properties": {
    "host":     {"type": "string", "minLength": 1},
    "port":     {"type": "integer", "minimum": 1, "maximum": 65535, "default": 21},
    "ssl":      {"type": "boolean", "default": false},
    "path":     {"type": "string", "default": "/"},
    "user":     {"type": "string", "default": "anonymous"},
    "password": {"type": "string", "default": "anonymous"},
    "timeout":  {"type": "integer", "minimum": 1, "default": 30}
  },
  "required": ["host"]
}`

// Settings is the bucket settings document of the ftp driver.
type Settings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	SSL      bool   `json:"ssl"`
	Path     string `json:"path"`
	User     string `json:"user"`
	Password string `json:"password"`
	// Timeout is the dial timeout in seconds.
	Timeout int `json:"timeout"`
}

func defaultSettings() Settings {
	return Settings{
		Port:     21,
		Path:     "/",
		User:     "anonymous",
		Password: "anonymous",
		Timeout:  30,
	}
}

type dialFunc func(ctx context.Context, s Settings) (*session, error)

// Factory opens ftp drivers and owns the session cache they share.
type Factory struct {
	cache *sesscache.Cache[*session]
	dial  dialFunc
	log   *logger.Logger
}

// NewFactory creates a factory whose sessions are cached according to cfg.
func NewFactory(cfg *sesscache.Config, log *logger.Logger) *Factory {
	return newFactory(cfg, log, dialServer)
}

func newFactory(cfg *sesscache.Config, log *logger.Logger, dial dialFunc) *Factory {
	if log == nil {
		log = logger.Global()
	}
	if cfg == nil {
		cfg = sesscache.DefaultConfig(filestore.KeyFTP)
	}
	c := *cfg
	if c.Logger == nil {
		c.Logger = log
	}
	return &Factory{
		cache: sesscache.New[*session](&c),
		dial:  dial,
		log:   log,
	}
}

func (f *Factory) Name() string { return filestore.KeyFTP }

func (f *Factory) Description() string { return "FTP server" }

func (f *Factory) SettingsSchema() []byte { return []byte(settingsSchema) }

// Open binds a driver to the server named in settings. No connection is made
// until the first operation.
func (f *Factory) Open(bucket string, settings json.RawMessage) (filestore.Driver, error) {
	s := defaultSettings()
	if err := filestore.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	if s.Host == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "host is required")
	}
	s.Path = path.Clean("/" + s.Path)

	return &Driver{
		bucket:      bucket,
		settings:    s,
		root:        s.Path,
		fingerprint: filestore.Fingerprint(s),
		factory:     f,
		log:         f.log.Bucket(bucket, filestore.KeyFTP),
	}, nil
}

// Forget drops the cached session of bucket.
func (f *Factory) Forget(bucket string) {
	f.cache.Evict(bucket)
}

// Close quits every cached session.
func (f *Factory) Close(ctx context.Context) error {
	return f.cache.Close(ctx)
}

// Driver serves one bucket from a directory of an FTP server.
type Driver struct {
	bucket      string
	settings    Settings
	root        string
	fingerprint uint64
	factory     *Factory
	log         *logger.Logger
}

func (d *Driver) acquire(ctx context.Context) (*sesscache.Lease[*session], error) {
	return d.factory.cache.Acquire(ctx, d.bucket, d.fingerprint, func(ctx context.Context) (*session, error) {
		return d.factory.dial(ctx, d.settings)
	})
}

// withSession runs fn on the bucket's session. fn must return mapped errors
// so the cache can tell whether the session survived.
func (d *Driver) withSession(ctx context.Context, fn func(c client) error) error {
	lease, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(lease.Session())
	lease.Release(err)
	return err
}

func (d *Driver) resolve(rel string) (full, name string, err error) {
	full, err = pathguard.Join(d.root, rel)
	if err != nil {
		return "", "", err
	}
	return full, pathguard.Rel(d.root, full), nil
}

// stat looks full up in the listing of its parent; not every server
// supports MLST.
func (d *Driver) stat(ctx context.Context, c client, full, name string) (*filestore.Entry, error) {
	if full == d.root {
		return &filestore.Entry{Name: name, Dir: true}, nil
	}

	entries, err := c.List(path.Dir(full))
	if err != nil {
		return nil, mapError(ctx, err, "stat "+name)
	}
	base := path.Base(full)
	for _, e := range entries {
		if e.Name == base {
			entry := toEntry(name, e)
			return &entry, nil
		}
	}
	return nil, errs.Newf(errs.ErrKindNotFound, "%s not found", name)
}

func toEntry(name string, e *ftp.Entry) filestore.Entry {
	return filestore.Entry{
		Name:    name,
		Dir:     e.Type == ftp.EntryTypeFolder,
		Size:    int64(e.Size),
		ModTime: e.Time,
		MIME:    sniff.ByExtension(e.Name),
	}
}

func (d *Driver) Get(ctx context.Context, rel string, recursive bool) (*filestore.Entry, error) {
	full, name, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}

	var entry *filestore.Entry
	err = d.withSession(ctx, func(c client) error {
		var err error
		if entry, err = d.stat(ctx, c, full, name); err != nil {
			return err
		}
		if entry.Dir {
			entry.MIME = sniff.DirectoryMIME
			entry.Type = sniff.DirectoryLabel
			entry.Files, err = d.list(ctx, c, full, recursive)
			return err
		}
		return d.preview(ctx, c, full, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *Driver) list(ctx context.Context, c client, dir string, recursive bool) ([]filestore.Entry, error) {
	files := []filestore.Entry{}
	stack := []string{dir}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.ErrKindTimeout, "listing aborted", context.Cause(ctx))
		}
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := c.List(cur)
		if err != nil {
			return nil, mapError(ctx, err, "list "+pathguard.Rel(d.root, cur))
		}
		for _, e := range entries {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			full := path.Join(cur, e.Name)
			files = append(files, toEntry(pathguard.Rel(d.root, full), e))
			if recursive && e.Type == ftp.EntryTypeFolder {
				stack = append(stack, full)
			}
		}
	}

	slices.SortFunc(files, func(a, b filestore.Entry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return files, nil
}

// preview fills in the sniffed type and the text preview of a file entry.
func (d *Driver) preview(ctx context.Context, c client, full string, entry *filestore.Entry) error {
	rc, err := c.Retr(full)
	if err != nil {
		return mapError(ctx, err, "retrieve "+entry.Name)
	}
	sample, truncated, err := filestore.ReadSample(filestore.NewContextReader(ctx, rc))
	if cerr := closeTransfer(rc); err == nil {
		err = cerr
	}
	if err != nil {
		return mapError(ctx, err, "retrieve "+entry.Name)
	}

	t := sniff.Detect(entry.Name, sample)
	entry.MIME = t.MIME
	entry.Type = t.Label
	entry.Preview = filestore.Preview(sample, truncated)
	return nil
}

// closeTransfer closes a data connection. Servers answer 426 or 451 when
// the transfer is closed before the end of the file, which is expected for
// previews and leaves the control connection usable.
func closeTransfer(rc io.Closer) error {
	err := rc.Close()
	var reply *textproto.Error
	if errors.As(err, &reply) && (reply.Code == ftp.StatusTransfertAborted || reply.Code == ftp.StatusActionAborted) {
		return nil
	}
	return err
}

func (d *Driver) Download(ctx context.Context, rel string) (filestore.Object, error) {
	full, name, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}

	lease, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	c := lease.Session()

	entry, err := d.stat(ctx, c, full, name)
	if err == nil && entry.Dir {
		lease.Release(nil)
		return nil, errs.New(errs.ErrKindBadRequest, "folder download not supported")
	}
	if err != nil {
		lease.Release(err)
		return nil, err
	}

	rc, err := c.Retr(full)
	if err != nil {
		err = mapError(ctx, err, "retrieve "+name)
		lease.Release(err)
		return nil, err
	}
	return filestore.NewObject(&transfer{
		Reader: filestore.NewContextReader(ctx, rc),
		ctx:    ctx,
		rc:     rc,
		name:   name,
		lease:  lease,
	}, entry), nil
}

// transfer holds the session lease until the download is closed.
type transfer struct {
	io.Reader
	ctx   context.Context
	rc    io.ReadCloser
	name  string
	lease *sesscache.Lease[*session]
}

func (t *transfer) Close() error {
	err := mapError(t.ctx, closeTransfer(t.rc), "retrieve "+t.name)
	t.lease.Release(err)
	return err
}

func (d *Driver) Put(ctx context.Context, rel string, r io.Reader) (*filestore.PutResult, error) {
	full, name, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}

	src := &filestore.CountingReader{R: filestore.NewContextReader(ctx, r)}
	err = d.withSession(ctx, func(c client) error {
		entry, err := d.stat(ctx, c, full, name)
		switch {
		case err == nil && entry.Dir:
			return errs.New(errs.ErrKindConflict, "cannot overwrite folder")
		case errs.IsNotFound(err):
			d.mkdirs(c, path.Dir(full))
		case err != nil:
			return err
		}

		if err := c.Stor(full, src); err != nil {
			if uerr := src.UploadError(); uerr != nil {
				// the control connection may still carry the reply of
				// the cut transfer
				d.factory.cache.Evict(d.bucket)
				return uerr
			}
			return mapError(ctx, err, "store "+name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &filestore.PutResult{Size: src.N}, nil
}

// mkdirs creates dir and its missing ancestors below the root. Failures are
// ignored; the following STOR reports them.
func (d *Driver) mkdirs(c client, dir string) {
	rel := pathguard.Rel(d.root, dir)
	if rel == "" {
		return
	}
	cur := d.root
	for _, part := range strings.Split(rel, "/") {
		cur = path.Join(cur, part)
		if err := c.MakeDir(cur); err != nil {
			d.log.With().Str("path", cur).Err(err).Logger().Debug("mkdir failed")
		}
	}
}

func (d *Driver) Delete(ctx context.Context, rel string) error {
	full, name, err := d.resolve(rel)
	if err != nil {
		return err
	}
	if name == "" {
		return errs.New(errs.ErrKindBadRequest, "cannot delete bucket root")
	}

	return d.withSession(ctx, func(c client) error {
		entry, err := d.stat(ctx, c, full, name)
		if err != nil {
			return err
		}
		if entry.Dir {
			err = c.RemoveDirRecur(full)
		} else {
			err = c.Delete(full)
		}
		return mapError(ctx, err, "delete "+name)
	})
}
