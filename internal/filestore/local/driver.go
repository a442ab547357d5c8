// Package local implements the "fs" driver, which serves a directory of the
// gateway host as a bucket.
//
// Blocking filesystem calls run on a bounded pool shared by every bucket of
// the factory, so a slow disk cannot tie up an unbounded number of request
// goroutines. Writers and deleters of the same target path are serialised.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"golang.org/x/sync/semaphore"

	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/filestore"
	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/koustreak/bucketgw/internal/pathguard"
	"github.com/koustreak/bucketgw/internal/sniff"
)

// DefaultWorkers is the pool size used when NewFactory is given zero.
const DefaultWorkers = 16

const settingsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "FileSystemSettings",
  "type": "object",
  "properties": {
    "root_dir": {"type": "string", "title": "Root Directory", "minLength": 1}
  },
  "required": ["root_dir"]
}`

// Settings is the bucket settings document of the fs driver.
type Settings struct {
	RootDir string `json:"root_dir"`
}

// Factory opens fs drivers. All drivers opened by one factory share its
// worker pool and path locks.
type Factory struct {
	sem   *semaphore.Weighted
	locks *pathLocks
	log   *logger.Logger
}

// NewFactory creates a factory whose drivers run at most workers blocking
// filesystem calls at a time.
func NewFactory(workers int64, log *logger.Logger) *Factory {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = logger.Global()
	}
	return &Factory{
		sem:   semaphore.NewWeighted(workers),
		locks: newPathLocks(lockStripes),
		log:   log,
	}
}

func (f *Factory) Name() string { return filestore.KeyLocal }

func (f *Factory) Description() string { return "Local file system" }

func (f *Factory) SettingsSchema() []byte { return []byte(settingsSchema) }

// Open binds a driver to the root directory named in settings.
func (f *Factory) Open(bucket string, settings json.RawMessage) (filestore.Driver, error) {
	var s Settings
	if err := filestore.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	if s.RootDir == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "root_dir is required")
	}

	root, err := filepath.Abs(s.RootDir)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "invalid root_dir", err)
	}
	return &Driver{
		root:    filepath.Clean(root),
		factory: f,
		log:     f.log.Bucket(bucket, filestore.KeyLocal),
	}, nil
}

// Driver serves one bucket rooted at a local directory.
type Driver struct {
	root    string
	factory *Factory
	log     *logger.Logger
}

// run executes fn on the worker pool.
func (d *Driver) run(ctx context.Context, fn func() error) error {
	if err := d.factory.sem.Acquire(ctx, 1); err != nil {
		return errs.Wrap(errs.ErrKindTimeout, "waiting for disk worker", err)
	}
	defer d.factory.sem.Release(1)
	return fn()
}

// resolve maps a bucket path to the local target and its canonical name.
func (d *Driver) resolve(rel string) (target, name string, err error) {
	target, err = pathguard.Resolve(d.root, rel)
	if err != nil {
		return "", "", err
	}
	return target, d.name(target), nil
}

func (d *Driver) name(target string) string {
	rel, err := filepath.Rel(d.root, target)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (d *Driver) Get(ctx context.Context, path string, recursive bool) (*filestore.Entry, error) {
	target, name, err := d.resolve(path)
	if err != nil {
		return nil, err
	}

	var info fs.FileInfo
	err = d.run(ctx, func() error {
		info, err = os.Stat(target)
		return err
	})
	if err != nil {
		return nil, mapError(err, "stat "+name)
	}

	entry := &filestore.Entry{
		Name:    name,
		Dir:     info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	if info.IsDir() {
		files, err := d.list(ctx, target, recursive)
		if err != nil {
			return nil, err
		}
		entry.MIME = sniff.DirectoryMIME
		entry.Type = sniff.DirectoryLabel
		entry.Files = files
		return entry, nil
	}

	var (
		sample    []byte
		truncated bool
	)
	err = d.run(ctx, func() error {
		f, err := os.Open(target)
		if err != nil {
			return err
		}
		defer f.Close()
		sample, truncated, err = filestore.ReadSample(f)
		return err
	})
	switch {
	case errs.IsTimeout(err):
		return nil, err
	case err != nil:
		d.log.With().Str("path", name).Err(err).Logger().Debug("preview unavailable")
		sample, truncated = nil, false
	default:
		entry.Preview = filestore.Preview(sample, truncated)
	}

	t := sniff.Detect(name, sample)
	entry.MIME = t.MIME
	entry.Type = t.Label
	return entry, nil
}

// list walks dir with an explicit stack. Entries that cannot be read below
// the top-level directory are logged and skipped.
func (d *Driver) list(ctx context.Context, dir string, recursive bool) ([]filestore.Entry, error) {
	files := []filestore.Entry{}
	stack := []string{dir}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.ErrKindTimeout, "listing aborted", context.Cause(ctx))
		}

		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		err := d.run(ctx, func() error {
			children, err := os.ReadDir(cur)
			if err != nil {
				return err
			}
			for _, child := range children {
				full := filepath.Join(cur, child.Name())
				// follows symlinks, like the metadata of the target itself
				info, err := os.Stat(full)
				if err != nil {
					d.log.WarnWith("skipping entry", err, map[string]interface{}{"path": d.name(full)})
					continue
				}
				files = append(files, filestore.Entry{
					Name:    d.name(full),
					Dir:     info.IsDir(),
					Size:    info.Size(),
					ModTime: info.ModTime(),
					MIME:    sniff.ByExtension(child.Name()),
				})
				// never descend through a symlinked directory
				if recursive && child.IsDir() {
					stack = append(stack, full)
				}
			}
			return nil
		})

		switch {
		case err == nil:
		case cur == dir, errs.IsTimeout(err):
			return nil, mapError(err, "list "+d.name(dir))
		case errors.Is(err, fs.ErrPermission), errors.Is(err, fs.ErrNotExist):
			d.log.WarnWith("skipping folder", err, map[string]interface{}{"path": d.name(cur)})
		default:
			return nil, mapError(err, "list "+d.name(cur))
		}
	}

	slices.SortFunc(files, func(a, b filestore.Entry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return files, nil
}

func (d *Driver) Download(ctx context.Context, path string) (filestore.Object, error) {
	target, name, err := d.resolve(path)
	if err != nil {
		return nil, err
	}

	var (
		f    *os.File
		info fs.FileInfo
	)
	err = d.run(ctx, func() error {
		if info, err = os.Stat(target); err != nil {
			return err
		}
		if info.IsDir() {
			return errs.New(errs.ErrKindBadRequest, "folder download not supported")
		}
		f, err = os.Open(target)
		return err
	})
	if err != nil {
		return nil, mapError(err, "open "+name)
	}

	rc := struct {
		io.Reader
		io.Closer
	}{filestore.NewContextReader(ctx, f), f}
	return filestore.NewObject(rc, &filestore.Entry{
		Name:    name,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		MIME:    sniff.ByExtension(name),
	}), nil
}

func (d *Driver) Put(ctx context.Context, path string, r io.Reader) (*filestore.PutResult, error) {
	target, name, err := d.resolve(path)
	if err != nil {
		return nil, err
	}

	unlock, err := d.factory.locks.lock(ctx, target)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var f *os.File
	err = d.run(ctx, func() error {
		info, err := os.Stat(target)
		switch {
		case err == nil && info.IsDir():
			return errs.New(errs.ErrKindConflict, "cannot overwrite folder")
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
		default:
			return err
		}
		f, err = os.Create(target)
		return err
	})
	if errors.Is(err, syscall.ENOTDIR) {
		return nil, errs.Wrap(errs.ErrKindConflict, "parent of "+name+" is not a folder", err)
	}
	if err != nil {
		return nil, mapError(err, "create "+name)
	}

	size, err := d.copy(ctx, f, r)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = mapError(cerr, "close "+name)
	}
	if err != nil {
		// the partial file is left in place
		return nil, err
	}
	return &filestore.PutResult{Size: size}, nil
}

// copy streams r into f in BufferSize chunks, each write on the worker pool.
func (d *Driver) copy(ctx context.Context, f *os.File, r io.Reader) (int64, error) {
	var size int64
	buf := make([]byte, filestore.BufferSize)
	src := filestore.NewContextReader(ctx, r)

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			err := d.run(ctx, func() error {
				_, err := f.Write(buf[:n])
				return err
			})
			if err != nil {
				return size, mapError(err, "write")
			}
			size += int64(n)
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			return size, nil
		default:
			var e *errs.Error
			if errors.As(rerr, &e) {
				return size, rerr
			}
			return size, errs.Wrap(errs.ErrKindBadRequest, "reading upload failed", rerr)
		}
	}
}

func (d *Driver) Delete(ctx context.Context, path string) error {
	target, name, err := d.resolve(path)
	if err != nil {
		return err
	}
	if name == "" {
		return errs.New(errs.ErrKindBadRequest, "cannot delete bucket root")
	}

	unlock, err := d.factory.locks.lock(ctx, target)
	if err != nil {
		return err
	}
	defer unlock()

	err = d.run(ctx, func() error {
		if _, err := os.Lstat(target); err != nil {
			return err
		}
		return os.RemoveAll(target)
	})
	return mapError(err, "delete "+name)
}
