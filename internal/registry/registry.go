// Package registry maps driver keys to the factories that build drivers for
// them.
//
// Factories are registered once at start-up on a Builder. Build compiles every
// settings schema and returns an immutable Registry that request handlers
// share without further locking.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/fishy/errbatch"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/filestore"
)

// DriverInfo is the public description of an installed driver.
type DriverInfo struct {
	Description    string          `json:"description"`
	SettingsSchema json.RawMessage `json:"settings_schema"`
}

// Builder collects factories before the registry is sealed.
type Builder struct {
	factories map[string]filestore.Factory
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{factories: make(map[string]filestore.Factory)}
}

// Register adds f under f.Name().
func (b *Builder) Register(f filestore.Factory) error {
	key := f.Name()
	if key == "" {
		return errs.New(errs.ErrKindInvalidInput, "driver key must not be empty")
	}
	if _, dup := b.factories[key]; dup {
		return errs.Newf(errs.ErrKindConflict, "driver %q registered twice", key)
	}
	b.factories[key] = f
	return nil
}

// Build compiles the settings schema of every registered factory.
func (b *Builder) Build() (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	r := &Registry{drivers: make(map[string]*driver, len(b.factories))}

	batch := new(errbatch.ErrBatch)
	for key, f := range b.factories {
		raw := f.SettingsSchema()
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			batch.Add(errs.Wrap(errs.ErrKindInvalidInput, "settings schema of "+key+" is not JSON", err))
			continue
		}
		loc := schemaURL(key)
		if err := compiler.AddResource(loc, doc); err != nil {
			batch.Add(errs.Wrap(errs.ErrKindInvalidInput, "settings schema of "+key, err))
			continue
		}
		sch, err := compiler.Compile(loc)
		if err != nil {
			batch.Add(errs.Wrap(errs.ErrKindInvalidInput, "settings schema of "+key+" does not compile", err))
			continue
		}
		r.drivers[key] = &driver{factory: f, schema: sch, raw: json.RawMessage(raw)}
	}
	if err := batch.Compile(); err != nil {
		return nil, err
	}
	return r, nil
}

func schemaURL(key string) string {
	return "mem://bucketgw/drivers/" + key + ".json"
}

type driver struct {
	factory filestore.Factory
	schema  *jsonschema.Schema
	raw     json.RawMessage
}

// Registry is the read-only driver lookup used by request handlers.
type Registry struct {
	drivers map[string]*driver
}

// Installed reports whether key names a registered driver.
func (r *Registry) Installed(key string) bool {
	_, ok := r.drivers[key]
	return ok
}

// Keys returns the installed driver keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SettingsSchema returns the JSON Schema document of driver key.
func (r *Registry) SettingsSchema(key string) (json.RawMessage, error) {
	d, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	return d.raw, nil
}

// Info describes driver key.
func (r *Registry) Info(key string) (DriverInfo, error) {
	d, err := r.lookup(key)
	if err != nil {
		return DriverInfo{}, err
	}
	return DriverInfo{Description: d.factory.Description(), SettingsSchema: d.raw}, nil
}

// Describe returns every installed driver keyed by driver key.
func (r *Registry) Describe() map[string]DriverInfo {
	out := make(map[string]DriverInfo, len(r.drivers))
	for key, d := range r.drivers {
		out[key] = DriverInfo{Description: d.factory.Description(), SettingsSchema: d.raw}
	}
	return out
}

// Validate checks raw settings against the schema of driver key. Empty
// settings are validated as an empty object.
func (r *Registry) Validate(key string, raw json.RawMessage) error {
	d, err := r.lookup(key)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return errs.Wrap(errs.ErrKindInvalidInput, "settings are not valid JSON", err)
	}
	if err := d.schema.Validate(inst); err != nil {
		return errs.Wrap(errs.ErrKindInvalidInput, "settings do not match the "+key+" schema", err)
	}
	return nil
}

// Construct validates raw and binds a new driver instance to bucket.
func (r *Registry) Construct(key, bucket string, raw json.RawMessage) (filestore.Driver, error) {
	if err := r.Validate(key, raw); err != nil {
		return nil, err
	}
	return r.drivers[key].factory.Open(bucket, raw)
}

// Forget drops per-bucket state (cached sessions) held by driver key.
func (r *Registry) Forget(key, bucket string) {
	d, ok := r.drivers[key]
	if !ok {
		return
	}
	if f, ok := d.factory.(filestore.Forgetter); ok {
		f.Forget(bucket)
	}
}

// Close releases process-wide resources of every factory. All factories are
// closed even if some fail.
func (r *Registry) Close(ctx context.Context) error {
	batch := new(errbatch.ErrBatch)
	for _, key := range r.Keys() {
		if c, ok := r.drivers[key].factory.(filestore.Closer); ok {
			batch.Add(c.Close(ctx))
		}
	}
	return batch.Compile()
}

func (r *Registry) lookup(key string) (*driver, error) {
	d, ok := r.drivers[key]
	if !ok {
		return nil, errs.Newf(errs.ErrKindUnknownDriver, "driver %q is not installed", key)
	}
	return d, nil
}
