package bucket

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/filestore"
	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/koustreak/bucketgw/internal/metrics"
	"github.com/koustreak/bucketgw/internal/registry"
)

// Summary is one row of the bucket listing.
type Summary struct {
	Name      string `json:"name"`
	Driver    string `json:"driver"`
	Enabled   bool   `json:"enabled"`
	Installed bool   `json:"installed"`
}

// Detail is the full view of one bucket.
type Detail struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Driver      string          `json:"driver"`
	Settings    json.RawMessage `json:"settings"`
	Enabled     bool            `json:"enabled"`
	Installed   bool            `json:"installed"`
	Description string          `json:"description,omitempty"`
}

// CreateRequest is the input of CreateBucket. Enabled defaults to true.
type CreateRequest struct {
	Name     string          `json:"name"`
	Driver   string          `json:"driver"`
	Settings json.RawMessage `json:"settings,omitempty"`
	Enabled  *bool           `json:"enabled,omitempty"`
}

// Service implements the bucket and path operations on top of a Store and
// a driver Registry.
type Service struct {
	store Store
	reg   *registry.Registry
	log   *logger.Logger
}

// NewService creates a Service.
func NewService(store Store, reg *registry.Registry, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Global()
	}
	return &Service{store: store, reg: reg, log: log}
}

// ListBuckets returns every bucket with whether its driver is installed.
func (s *Service) ListBuckets(ctx context.Context) ([]Summary, error) {
	buckets, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, Summary{
			Name:      b.Name,
			Driver:    b.Driver,
			Enabled:   b.Enabled,
			Installed: s.reg.Installed(b.Driver),
		})
	}
	return out, nil
}

// CreateBucket validates and stores a new bucket. Settings are checked
// against the driver schema only when the driver is installed.
func (s *Service) CreateBucket(ctx context.Context, req CreateRequest) (uuid.UUID, error) {
	if err := ValidateName(req.Name); err != nil {
		return uuid.Nil, err
	}
	if req.Driver == "" {
		return uuid.Nil, errs.New(errs.ErrKindInvalidInput, "driver must not be empty")
	}

	settings := req.Settings
	if len(bytes.TrimSpace(settings)) == 0 {
		settings = json.RawMessage("{}")
	}
	if err := s.checkSettings(req.Driver, settings); err != nil {
		return uuid.Nil, err
	}

	b := &Bucket{
		ID:       uuid.New(),
		Name:     req.Name,
		Driver:   req.Driver,
		Settings: settings,
		Enabled:  req.Enabled == nil || *req.Enabled,
	}
	id, err := s.store.Insert(ctx, b)
	if err != nil {
		return uuid.Nil, err
	}
	if !s.reg.Installed(b.Driver) {
		s.log.With().Str("bucket", b.Name).Str("driver", b.Driver).Logger().
			Warn("bucket created for a driver that is not installed")
	}
	return id, nil
}

func (s *Service) checkSettings(driver string, settings json.RawMessage) error {
	if !s.reg.Installed(driver) {
		if !json.Valid(settings) {
			return errs.New(errs.ErrKindInvalidInput, "settings are not valid JSON")
		}
		return nil
	}
	return s.reg.Validate(driver, settings)
}

// GetBucket returns the full record of bucket name.
func (s *Service) GetBucket(ctx context.Context, name string) (*Detail, error) {
	b, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	d := &Detail{
		ID:        b.ID,
		Name:      b.Name,
		Driver:    b.Driver,
		Settings:  b.Settings,
		Enabled:   b.Enabled,
		Installed: s.reg.Installed(b.Driver),
	}
	if info, err := s.reg.Info(b.Driver); err == nil {
		d.Description = info.Description
	}
	return d, nil
}

// UpdateBucket applies p and drops any session cached for the bucket.
func (s *Service) UpdateBucket(ctx context.Context, name string, p Patch) (uuid.UUID, error) {
	if p.Empty() {
		return uuid.Nil, errs.New(errs.ErrKindInvalidInput, "no update specified")
	}
	b, err := s.store.Get(ctx, name)
	if err != nil {
		return uuid.Nil, err
	}
	if len(bytes.TrimSpace(p.Settings)) > 0 {
		if err := s.checkSettings(b.Driver, p.Settings); err != nil {
			return uuid.Nil, err
		}
	}

	id, err := s.store.Update(ctx, name, p)
	if err != nil {
		return uuid.Nil, err
	}
	s.reg.Forget(b.Driver, name)
	return id, nil
}

// DeleteBucket removes the record of bucket name and its cached session.
// Stored content is left untouched.
func (s *Service) DeleteBucket(ctx context.Context, name string) (uuid.UUID, error) {
	b, err := s.store.Get(ctx, name)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := s.store.Delete(ctx, name)
	if err != nil {
		return uuid.Nil, err
	}
	s.reg.Forget(b.Driver, name)
	return id, nil
}

// ListDrivers describes every installed driver.
func (s *Service) ListDrivers() map[string]registry.DriverInfo {
	return s.reg.Describe()
}

// driver resolves the bucket and binds its driver.
func (s *Service) driver(ctx context.Context, name string) (*Bucket, filestore.Driver, error) {
	b, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if !b.Enabled {
		return nil, nil, errs.Newf(errs.ErrKindBadRequest, "bucket %s is disabled", name)
	}
	drv, err := s.reg.Construct(b.Driver, b.Name, b.Settings)
	if err != nil {
		return nil, nil, err
	}
	return b, drv, nil
}

func (s *Service) observe(b *Bucket, op string, start time.Time, err error) {
	metrics.RecordDriverOperation(b.Driver, op, err, time.Since(start))
	if err != nil && errs.KindOf(err) == errs.ErrKindUnknown {
		s.log.Bucket(b.Name, b.Driver).With().Str("op", op).Err(err).Logger().Error("driver operation failed")
	}
}

// GetPath returns the entry at path inside bucket.
func (s *Service) GetPath(ctx context.Context, bucket, path string, recursive bool) (*filestore.Entry, error) {
	b, drv, err := s.driver(ctx, bucket)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	entry, err := drv.Get(ctx, path, recursive)
	s.observe(b, "get", start, err)
	return entry, err
}

// Download opens the file at path inside bucket. The caller must close
// the returned object.
func (s *Service) Download(ctx context.Context, bucket, path string) (filestore.Object, error) {
	b, drv, err := s.driver(ctx, bucket)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	obj, err := drv.Download(ctx, path)
	s.observe(b, "download", start, err)
	return obj, err
}

// PutPath writes r to path inside bucket.
func (s *Service) PutPath(ctx context.Context, bucket, path string, r io.Reader) (*filestore.PutResult, error) {
	b, drv, err := s.driver(ctx, bucket)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := drv.Put(ctx, path, r)
	s.observe(b, "put", start, err)
	if err != nil {
		return nil, err
	}
	metrics.RecordUpload(b.Driver, res.Size)
	return res, nil
}

// DeletePath removes path inside bucket.
func (s *Service) DeletePath(ctx context.Context, bucket, path string) error {
	b, drv, err := s.driver(ctx, bucket)
	if err != nil {
		return err
	}
	start := time.Now()
	err = drv.Delete(ctx, path)
	s.observe(b, "delete", start, err)
	return err
}
