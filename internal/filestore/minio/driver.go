// Package minio implements the "minio" driver: a bucket backed by a key
// prefix inside an S3 compatible bucket.
//
// Object stores have no folders. A path is a folder when at least one key
// lives below it, or when a zero byte "name/" marker exists.
//
// Usage:
//
//	f := minio.NewFactory(log)
//	drv, err := f.Open("photos", []byte(`{"endpoint":"localhost:9000",
//	    "access_key":"minioadmin","secret_key":"minioadmin","bucket":"photos"}`))
package minio

import (
	"context"
	"encoding/json"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/fishy/errbatch"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/filestore"
	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/koustreak/bucketgw/internal/pathguard"
	"github.com/koustreak/bucketgw/internal/sniff"
)

const settingsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "MinioSettings",
  "type": "object",
  "properties": {
    "endpoint":   {"type": "string", "minLength": 1, "description": "host:port of the S3 endpoint"},
    "access_key": {"type": "string"},
    "secret_key": {"type": "string"},
    "bucket":     {"type": "string", "minLength": 3},
    "prefix":     {"type": "string", "default": ""},
    "use_ssl":    {"type": "boolean", "default": false},
    "region":     {"type": "string"}
  },
  "required": ["endpoint", "bucket"]
}`

// Settings is the bucket settings document of the minio driver.
type Settings struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix,omitempty"`
	UseSSL    bool   `json:"use_ssl"`
	Region    string `json:"region,omitempty"`
}

type cachedClient struct {
	fingerprint uint64
	client      *miniogo.Client
}

// Factory opens minio drivers. Clients are reused per bucket so their HTTP
// connection pools survive across requests.
type Factory struct {
	mu      sync.Mutex
	clients map[string]cachedClient
	log     *logger.Logger
}

// NewFactory creates a minio factory.
func NewFactory(log *logger.Logger) *Factory {
	if log == nil {
		log = logger.Global()
	}
	return &Factory{clients: make(map[string]cachedClient), log: log}
}

func (f *Factory) Name() string { return filestore.KeyMinIO }

func (f *Factory) Description() string { return "S3 compatible object storage (MinIO)" }

func (f *Factory) SettingsSchema() []byte { return []byte(settingsSchema) }

func (f *Factory) Open(bucket string, settings json.RawMessage) (filestore.Driver, error) {
	var s Settings
	if err := filestore.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	if s.Endpoint == "" || s.Bucket == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "endpoint and bucket are required")
	}
	prefix, err := cleanPrefix(s.Prefix)
	if err != nil {
		return nil, err
	}
	s.Prefix = prefix

	client, err := f.client(bucket, s)
	if err != nil {
		return nil, err
	}
	return &Driver{
		client:   client,
		settings: s,
		log:      f.log.Bucket(bucket, filestore.KeyMinIO),
	}, nil
}

func (f *Factory) client(bucket string, s Settings) (*miniogo.Client, error) {
	fp := filestore.Fingerprint(s)

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[bucket]; ok && c.fingerprint == fp {
		return c.client, nil
	}

	client, err := miniogo.New(s.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(s.AccessKey, s.SecretKey, ""),
		Secure: s.UseSSL,
		Region: s.Region,
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "failed to create minio client", err)
	}
	f.clients[bucket] = cachedClient{fingerprint: fp, client: client}
	return client, nil
}

// Forget drops the cached client of bucket.
func (f *Factory) Forget(bucket string) {
	f.mu.Lock()
	delete(f.clients, bucket)
	f.mu.Unlock()
}

func cleanPrefix(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	return pathguard.Join("", strings.Trim(p, "/"))
}

// Driver serves one bucket from a key prefix of a remote S3 bucket.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	client   *miniogo.Client
	settings Settings
	log      *logger.Logger
}

// key maps a bucket path onto an object key. name is the cleaned bucket path.
func (d *Driver) key(rel string) (key, name string, err error) {
	key, err = pathguard.Join(d.settings.Prefix, rel)
	if err != nil {
		return "", "", err
	}
	return key, pathguard.Rel(d.settings.Prefix, key), nil
}

// dirPrefix is the listing prefix of the folder at key.
func dirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return key + "/"
}

func (d *Driver) stat(ctx context.Context, key, name string) (miniogo.ObjectInfo, error) {
	info, err := d.client.StatObject(ctx, d.settings.Bucket, key, miniogo.StatObjectOptions{})
	if err != nil {
		return info, mapError(ctx, err, "stat "+name)
	}
	return info, nil
}

// isDir reports whether any key lives below key.
func (d *Driver) isDir(ctx context.Context, key, name string) (bool, error) {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range d.client.ListObjects(lctx, d.settings.Bucket, miniogo.ListObjectsOptions{
		Prefix:  dirPrefix(key),
		MaxKeys: 1,
	}) {
		if obj.Err != nil {
			return false, mapError(ctx, obj.Err, "list "+name)
		}
		return true, nil
	}
	return false, nil
}

func (d *Driver) fileEntry(name string, info miniogo.ObjectInfo) filestore.Entry {
	mime := sniff.ByExtension(name)
	if info.ContentType != "" && info.ContentType != "application/octet-stream" {
		mime = info.ContentType
	}
	return filestore.Entry{
		Name:    name,
		Size:    info.Size,
		ModTime: info.LastModified,
		MIME:    mime,
	}
}

func (d *Driver) Get(ctx context.Context, rel string, recursive bool) (*filestore.Entry, error) {
	key, name, err := d.key(rel)
	if err != nil {
		return nil, err
	}

	if name != "" {
		info, err := d.stat(ctx, key, name)
		switch {
		case err == nil:
			return d.getFile(ctx, key, name, info)
		case !errs.IsNotFound(err):
			return nil, err
		}
		dir, err := d.isDir(ctx, key, name)
		if err != nil {
			return nil, err
		}
		if !dir {
			return nil, errs.Newf(errs.ErrKindNotFound, "%s not found", name)
		}
	}

	files, err := d.list(ctx, key, recursive)
	if err != nil {
		return nil, err
	}
	return &filestore.Entry{
		Name:  name,
		Dir:   true,
		MIME:  sniff.DirectoryMIME,
		Type:  sniff.DirectoryLabel,
		Files: files,
	}, nil
}

func (d *Driver) getFile(ctx context.Context, key, name string, info miniogo.ObjectInfo) (*filestore.Entry, error) {
	entry := d.fileEntry(name, info)

	var sample []byte
	truncated := false
	// a range request on an empty object is rejected
	if info.Size > 0 {
		opts := miniogo.GetObjectOptions{}
		if err := opts.SetRange(0, filestore.PreviewSize-1); err != nil {
			return nil, errs.Wrap(errs.ErrKindUnknown, "preview range", err)
		}
		obj, err := d.client.GetObject(ctx, d.settings.Bucket, key, opts)
		if err != nil {
			return nil, mapError(ctx, err, "read "+name)
		}
		sample, _, err = filestore.ReadSample(obj)
		obj.Close()
		if err != nil {
			return nil, mapError(ctx, err, "read "+name)
		}
		truncated = info.Size > int64(len(sample))
	}

	t := sniff.Detect(name, sample)
	entry.MIME, entry.Type = t.MIME, t.Label
	entry.Preview = filestore.Preview(sample, truncated)
	return &entry, nil
}

func (d *Driver) list(ctx context.Context, key string, recursive bool) ([]filestore.Entry, error) {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var objects []miniogo.ObjectInfo
	for obj := range d.client.ListObjects(lctx, d.settings.Bucket, miniogo.ListObjectsOptions{
		Prefix:    dirPrefix(key),
		Recursive: recursive,
	}) {
		if obj.Err != nil {
			return nil, mapError(ctx, obj.Err, "list "+pathguard.Rel(d.settings.Prefix, key))
		}
		objects = append(objects, obj)
	}
	return d.assemble(key, objects), nil
}

// assemble turns listed objects into entries relative to the bucket root.
// Folders only exist implicitly in a recursive listing, so every ancestor
// between the listed folder and an object is added as a folder entry.
func (d *Driver) assemble(key string, objects []miniogo.ObjectInfo) []filestore.Entry {
	files := []filestore.Entry{}
	seen := make(map[string]bool)
	base := pathguard.Rel(d.settings.Prefix, key)

	addDir := func(name string) {
		if name == "" || name == base || seen[name] {
			return
		}
		seen[name] = true
		files = append(files, filestore.Entry{Name: name, Dir: true, MIME: sniff.DirectoryMIME})
	}

	for _, obj := range objects {
		name := pathguard.Rel(d.settings.Prefix, obj.Key)
		if strings.HasSuffix(obj.Key, "/") {
			// common prefix or folder marker
			addDir(name)
			continue
		}
		for p := parent(name); p != "" && p != base; p = parent(p) {
			addDir(p)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		files = append(files, d.fileEntry(name, obj))
	}

	slices.SortFunc(files, func(a, b filestore.Entry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return files
}

func parent(name string) string {
	i := strings.LastIndexByte(name, '/')
	if i < 0 {
		return ""
	}
	return name[:i]
}

func (d *Driver) Download(ctx context.Context, rel string) (filestore.Object, error) {
	key, name, err := d.key(rel)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errs.New(errs.ErrKindBadRequest, "folder download not supported")
	}

	info, err := d.stat(ctx, key, name)
	if errs.IsNotFound(err) {
		if dir, derr := d.isDir(ctx, key, name); derr == nil && dir {
			return nil, errs.New(errs.ErrKindBadRequest, "folder download not supported")
		}
	}
	if err != nil {
		return nil, err
	}

	obj, err := d.client.GetObject(ctx, d.settings.Bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, mapError(ctx, err, "read "+name)
	}
	entry := d.fileEntry(name, info)
	return filestore.NewObject(&download{obj: obj, ctx: ctx, name: name}, &entry), nil
}

type download struct {
	obj  *miniogo.Object
	ctx  context.Context
	name string
}

func (d *download) Read(p []byte) (int, error) {
	n, err := d.obj.Read(p)
	if err != nil && err != io.EOF {
		return n, mapError(d.ctx, err, "read "+d.name)
	}
	return n, err
}

func (d *download) Close() error {
	return d.obj.Close()
}

func (d *Driver) Put(ctx context.Context, rel string, r io.Reader) (*filestore.PutResult, error) {
	key, name, err := d.key(rel)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errs.New(errs.ErrKindConflict, "cannot overwrite folder")
	}

	dir, err := d.isDir(ctx, key, name)
	if err != nil {
		return nil, err
	}
	if dir {
		return nil, errs.New(errs.ErrKindConflict, "cannot overwrite folder")
	}

	src := &filestore.CountingReader{R: filestore.NewContextReader(ctx, r)}
	info, err := d.client.PutObject(ctx, d.settings.Bucket, key, src, -1, miniogo.PutObjectOptions{
		ContentType: sniff.ByExtension(name),
	})
	if uerr := src.UploadError(); uerr != nil {
		return nil, uerr
	}
	if err != nil {
		return nil, mapError(ctx, err, "write "+name)
	}
	return &filestore.PutResult{Size: info.Size}, nil
}

func (d *Driver) Delete(ctx context.Context, rel string) error {
	key, name, err := d.key(rel)
	if err != nil {
		return err
	}
	if name == "" {
		return errs.New(errs.ErrKindBadRequest, "cannot delete bucket root")
	}

	_, err = d.stat(ctx, key, name)
	switch {
	case err == nil:
		return mapError(ctx, d.client.RemoveObject(ctx, d.settings.Bucket, key, miniogo.RemoveObjectOptions{}), "delete "+name)
	case !errs.IsNotFound(err):
		return err
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var listErr error
	found := false
	objects := make(chan miniogo.ObjectInfo)
	listed := make(chan struct{})
	go func() {
		defer close(listed)
		defer close(objects)
		for obj := range d.client.ListObjects(lctx, d.settings.Bucket, miniogo.ListObjectsOptions{
			Prefix:    dirPrefix(key),
			Recursive: true,
		}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			found = true
			select {
			case objects <- obj:
			case <-lctx.Done():
				return
			}
		}
	}()

	batch := new(errbatch.ErrBatch)
	for rerr := range d.client.RemoveObjects(lctx, d.settings.Bucket, objects, miniogo.RemoveObjectsOptions{}) {
		d.log.WarnWith("object not removed", rerr.Err, map[string]interface{}{"key": rerr.ObjectName})
		batch.Add(rerr.Err)
	}
	cancel()
	<-listed
	batch.Add(listErr)

	if err := batch.Compile(); err != nil {
		return mapError(ctx, err, "delete "+name)
	}
	if !found {
		return errs.Newf(errs.ErrKindNotFound, "%s not found", name)
	}
	return nil
}
