// Package sftp implements the "sftp" driver on top of github.com/pkg/sftp.
// Like the ftp driver it keeps one SSH session per bucket in a
// sesscache.Cache.
package sftp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/pkg/sftp"

	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/filestore"
	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/koustreak/bucketgw/internal/pathguard"
	"github.com/koustreak/bucketgw/internal/sesscache"
	"github.com/koustreak/bucketgw/internal/sniff"
)

const settingsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "SftpSettings",
  "type": "object",
  "properties": {
    "host":        {"type": "string", "minLength": 1},
    "port":        {"type": "integer", "minimum": 1, "maximum": 65535, "default": 22},
    "path":        {"type": "string", "default": "/"},
    "user":        {"type": "string", "minLength": 1},
    "password":    {"type": "string"},
    "private_key": {"type": "string", "description": "PEM encoded private key"},
    "host_key":    {"type": "string", "description": "authorized_keys line of the server key"},
    "timeout":     {"type": "integer", "minimum": 1, "default": 30}
  },
  "required": ["host", "user"]
}`

// Settings is the bucket settings document of the sftp driver.
type Settings struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Path       string `json:"path"`
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	// HostKey pins the server key. Any key is accepted when empty.
	HostKey string `json:"host_key,omitempty"`
	Timeout int    `json:"timeout"`
}

func defaultSettings() Settings {
	return Settings{Port: 22, Path: "/", Timeout: 30}
}

type dialFunc func(ctx context.Context, s Settings) (*session, error)

// Factory opens sftp drivers and owns the session cache they share.
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
		cfg = sesscache.DefaultConfig(filestore.KeySFTP)
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

func (f *Factory) Name() string { return filestore.KeySFTP }

func (f *Factory) Description() string { return "SFTP server" }

func (f *Factory) SettingsSchema() []byte { return []byte(settingsSchema) }

func (f *Factory) Open(bucket string, settings json.RawMessage) (filestore.Driver, error) {
	s := defaultSettings()
	if err := filestore.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	if s.Host == "" || s.User == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "host and user are required")
	}
	s.Path = path.Clean("/" + s.Path)

	return &Driver{
		bucket:      bucket,
		settings:    s,
		root:        s.Path,
		fingerprint: filestore.Fingerprint(s),
		factory:     f,
	}, nil
}

func (f *Factory) Forget(bucket string) {
	f.cache.Evict(bucket)
}

func (f *Factory) Close(ctx context.Context) error {
	return f.cache.Close(ctx)
}

// Driver serves one bucket from a directory of an SFTP server.
type Driver struct {
	bucket      string
	settings    Settings
	root        string
	fingerprint uint64
	factory     *Factory
}

func (d *Driver) acquire(ctx context.Context) (*sesscache.Lease[*session], error) {
	return d.factory.cache.Acquire(ctx, d.bucket, d.fingerprint, func(ctx context.Context) (*session, error) {
		return d.factory.dial(ctx, d.settings)
	})
}

func (d *Driver) withSession(ctx context.Context, fn func(c *sftp.Client) error) error {
	lease, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(lease.Session().client)
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

func (d *Driver) toEntry(full string, info fs.FileInfo) filestore.Entry {
	return filestore.Entry{
		Name:    pathguard.Rel(d.root, full),
		Dir:     info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		MIME:    sniff.ByExtension(info.Name()),
	}
}

func (d *Driver) Get(ctx context.Context, rel string, recursive bool) (*filestore.Entry, error) {
	full, name, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}

	var entry filestore.Entry
	err = d.withSession(ctx, func(c *sftp.Client) error {
		info, err := c.Stat(full)
		if err != nil {
			return mapError(ctx, err, "stat "+name)
		}
		entry = d.toEntry(full, info)

		if info.IsDir() {
			entry.MIME = sniff.DirectoryMIME
			entry.Type = sniff.DirectoryLabel
			entry.Files, err = d.list(ctx, c, full, recursive)
			return err
		}

		f, err := c.Open(full)
		if err != nil {
			return mapError(ctx, err, "open "+name)
		}
		defer f.Close()
		sample, truncated, err := filestore.ReadSample(filestore.NewContextReader(ctx, f))
		if err != nil {
			return mapError(ctx, err, "read "+name)
		}
		t := sniff.Detect(name, sample)
		entry.MIME, entry.Type = t.MIME, t.Label
		entry.Preview = filestore.Preview(sample, truncated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d *Driver) list(ctx context.Context, c *sftp.Client, dir string, recursive bool) ([]filestore.Entry, error) {
	files := []filestore.Entry{}
	stack := []string{dir}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		infos, err := c.ReadDirContext(ctx, cur)
		if err != nil {
			return nil, mapError(ctx, err, "list "+pathguard.Rel(d.root, cur))
		}
		for _, info := range infos {
			full := path.Join(cur, info.Name())
			files = append(files, d.toEntry(full, info))
			// attributes come from lstat, so symlinked folders are not entered
			if recursive && info.IsDir() {
				stack = append(stack, full)
			}
		}
	}

	slices.SortFunc(files, func(a, b filestore.Entry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return files, nil
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
	c := lease.Session().client

	info, err := c.Stat(full)
	if err != nil {
		err = mapError(ctx, err, "stat "+name)
		lease.Release(err)
		return nil, err
	}
	if info.IsDir() {
		lease.Release(nil)
		return nil, errs.New(errs.ErrKindBadRequest, "folder download not supported")
	}

	f, err := c.Open(full)
	if err != nil {
		err = mapError(ctx, err, "open "+name)
		lease.Release(err)
		return nil, err
	}

	entry := d.toEntry(full, info)
	return filestore.NewObject(&transfer{
		Reader: filestore.NewContextReader(ctx, f),
		ctx:    ctx,
		f:      f,
		name:   name,
		lease:  lease,
	}, &entry), nil
}

// transfer holds the session lease until the download is closed.
type transfer struct {
	io.Reader
	ctx   context.Context
	f     *sftp.File
	name  string
	lease *sesscache.Lease[*session]
}

func (t *transfer) Close() error {
	err := mapError(t.ctx, t.f.Close(), "close "+t.name)
	t.lease.Release(err)
	return err
}

func (d *Driver) Put(ctx context.Context, rel string, r io.Reader) (*filestore.PutResult, error) {
	full, name, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}

	src := &filestore.CountingReader{R: filestore.NewContextReader(ctx, r)}
	err = d.withSession(ctx, func(c *sftp.Client) error {
		info, err := c.Stat(full)
		switch {
		case err == nil && info.IsDir():
			return errs.New(errs.ErrKindConflict, "cannot overwrite folder")
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			if err := c.MkdirAll(path.Dir(full)); err != nil {
				return mapError(ctx, err, "mkdir "+path.Dir(name))
			}
		default:
			return mapError(ctx, err, "stat "+name)
		}

		f, err := c.Create(full)
		if err != nil {
			return mapError(ctx, err, "create "+name)
		}
		_, err = f.ReadFrom(src)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if uerr := src.UploadError(); uerr != nil {
			return uerr
		}
		return mapError(ctx, err, "write "+name)
	})
	if err != nil {
		return nil, err
	}
	return &filestore.PutResult{Size: src.N}, nil
}

func (d *Driver) Delete(ctx context.Context, rel string) error {
	full, name, err := d.resolve(rel)
	if err != nil {
		return err
	}
	if name == "" {
		return errs.New(errs.ErrKindBadRequest, "cannot delete bucket root")
	}

	return d.withSession(ctx, func(c *sftp.Client) error {
		return mapError(ctx, c.RemoveAll(full), "delete "+name)
	})
}
