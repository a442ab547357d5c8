package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/filestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFactory struct {
	name     string
	schema   string
	forgot   []string
	closeErr error
	closed   bool
}

func (f *fakeFactory) Name() string           { return f.name }
func (f *fakeFactory) Description() string    { return "fake " + f.name + " driver" }
func (f *fakeFactory) SettingsSchema() []byte { return []byte(f.schema) }

func (f *fakeFactory) Open(bucket string, settings json.RawMessage) (filestore.Driver, error) {
	return filestore.Unimplemented{Driver: f.name}, nil
}

func (f *fakeFactory) Forget(bucket string) {
	f.forgot = append(f.forgot, bucket)
}

func (f *fakeFactory) Close(ctx context.Context) error {
	f.closed = true
	return f.closeErr
}

const rootSchema = `{
	"type": "object",
	"properties": {"root_dir": {"type": "string", "minLength": 1}},
	"required": ["root_dir"],
	"additionalProperties": false
}`

func build(t *testing.T, factories ...filestore.Factory) *Registry {
	t.Helper()
	b := NewBuilder()
	for _, f := range factories {
		require.NoError(t, b.Register(f))
	}
	r, err := b.Build()
	require.NoError(t, err)
	return r
}

func TestBuilder_Register(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(&fakeFactory{name: "fs", schema: rootSchema}))

	err := b.Register(&fakeFactory{name: "fs", schema: rootSchema})
	assert.True(t, errs.IsConflict(err))

	err = b.Register(&fakeFactory{name: "", schema: rootSchema})
	assert.True(t, errs.IsInvalidInput(err))
}

func TestBuilder_BuildRejectsBrokenSchemas(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(&fakeFactory{name: "bad", schema: `{"type": `}))
	require.NoError(t, b.Register(&fakeFactory{name: "worse", schema: `{"type": 12}`}))

	_, err := b.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 error(s)")
}

func TestBuilder_BuildSingleBrokenSchema(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(&fakeFactory{name: "fs", schema: rootSchema}))
	require.NoError(t, b.Register(&fakeFactory{name: "bad", schema: `{"type": `}))

	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, errs.IsInvalidInput(err))
	assert.Contains(t, err.Error(), "settings schema of bad")
}

func TestRegistry_Lookups(t *testing.T) {
	r := build(t, &fakeFactory{name: "fs", schema: rootSchema}, &fakeFactory{name: "ftp", schema: `{}`})

	assert.True(t, r.Installed("fs"))
	assert.False(t, r.Installed("s3"))
	assert.Equal(t, []string{"fs", "ftp"}, r.Keys())

	raw, err := r.SettingsSchema("fs")
	require.NoError(t, err)
	assert.JSONEq(t, rootSchema, string(raw))

	_, err = r.SettingsSchema("s3")
	assert.True(t, errs.IsUnknownDriver(err))

	all := r.Describe()
	require.Len(t, all, 2)
	assert.Equal(t, "fake ftp driver", all["ftp"].Description)

	info, err := r.Info("fs")
	require.NoError(t, err)
	assert.Equal(t, "fake fs driver", info.Description)
}

func TestRegistry_Validate(t *testing.T) {
	r := build(t, &fakeFactory{name: "fs", schema: rootSchema})

	tests := []struct {
		name     string
		settings string
		wantErr  bool
	}{
		{name: "valid", settings: `{"root_dir": "/tmp"}`},
		{name: "missing required", settings: `{}`, wantErr: true},
		{name: "empty means empty object", settings: ``, wantErr: true},
		{name: "wrong type", settings: `{"root_dir": 5}`, wantErr: true},
		{name: "unknown field", settings: `{"root_dir": "/tmp", "x": 1}`, wantErr: true},
		{name: "not json", settings: `{root_dir}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate("fs", json.RawMessage(tt.settings))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.IsInvalidInput(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistry_Construct(t *testing.T) {
	r := build(t, &fakeFactory{name: "fs", schema: rootSchema})

	drv, err := r.Construct("fs", "tBcfs", json.RawMessage(`{"root_dir": "/tmp"}`))
	require.NoError(t, err)
	_, err = drv.Get(context.Background(), "", true)
	assert.True(t, errs.IsNotImplemented(err))

	_, err = r.Construct("fs", "tBcfs", json.RawMessage(`{}`))
	assert.True(t, errs.IsInvalidInput(err))

	_, err = r.Construct("nope", "tBcfs", nil)
	assert.True(t, errs.IsUnknownDriver(err))
}

func TestRegistry_ForgetAndClose(t *testing.T) {
	ftp := &fakeFactory{name: "ftp", schema: `{}`, closeErr: errors.New("drain failed")}
	fs := &fakeFactory{name: "fs", schema: `{}`}
	r := build(t, ftp, fs)

	r.Forget("ftp", "tBcftp")
	r.Forget("unknown", "tBcftp")
	assert.Equal(t, []string{"tBcftp"}, ftp.forgot)

	err := r.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain failed")
	assert.True(t, ftp.closed)
	assert.True(t, fs.closed)
}
