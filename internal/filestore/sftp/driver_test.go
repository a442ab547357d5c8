package sftp

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/filestore"
	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/koustreak/bucketgw/internal/sesscache"
)

// memServer serves one in-memory tree to every session dialed from it.
type memServer struct {
	handlers sftp.Handlers

	mu    sync.Mutex
	dials int
}

func newMemServer() *memServer {
	return &memServer{handlers: sftp.InMemHandler()}
}

func (m *memServer) connect(t testing.TB) (*sftp.Client, *sftp.RequestServer, net.Conn) {
	serverConn, clientConn := net.Pipe()
	srv := sftp.NewRequestServer(serverConn, m.handlers)
	go srv.Serve()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		srv.Close()
		if t != nil {
			require.NoError(t, err)
		}
	}
	return client, srv, clientConn
}

func (m *memServer) dial(context.Context, Settings) (*session, error) {
	m.mu.Lock()
	m.dials++
	m.mu.Unlock()

	client, srv, conn := m.connect(nil)
	if client == nil {
		return nil, errs.New(errs.ErrKindConnectionFailed, "pipe setup failed")
	}
	return &session{
		client:  client,
		closers: []io.Closer{srv},
		abort:   func() { conn.Close() },
	}, nil
}

// seed runs fn against the tree without going through a driver.
func (m *memServer) seed(t *testing.T, fn func(c *sftp.Client)) {
	t.Helper()
	client, srv, _ := m.connect(t)
	defer srv.Close()
	defer client.Close()
	fn(client)
}

func (m *memServer) dialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

func writeFile(t *testing.T, c *sftp.Client, p, content string) {
	t.Helper()
	require.NoError(t, c.MkdirAll(path.Dir(p)))
	f, err := c.Create(p)
	require.NoError(t, err)
	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func newTestDriver(t *testing.T, srv *memServer, settings string) (*Factory, filestore.Driver) {
	t.Helper()
	cfg := &sesscache.Config{Name: "sftp-test", IdleTimeout: time.Minute, CloseGrace: 100 * time.Millisecond}
	f := newFactory(cfg, logger.Nop(), srv.dial)
	t.Cleanup(func() { _ = f.Close(context.Background()) })

	drv, err := f.Open("tBcsftp", json.RawMessage(settings))
	require.NoError(t, err)
	return f, drv
}

func names(entries []filestore.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestFactory_Open(t *testing.T) {
	f := newFactory(nil, logger.Nop(), newMemServer().dial)
	defer f.Close(context.Background())

	assert.Equal(t, "sftp", f.Name())
	assert.True(t, json.Valid(f.SettingsSchema()))

	_, err := f.Open("b", json.RawMessage(`{"host": "h"}`))
	assert.True(t, errs.IsInvalidInput(err))

	drv, err := f.Open("b", json.RawMessage(`{"host": "h", "user": "u", "path": "data"}`))
	require.NoError(t, err)
	assert.Equal(t, "/data", drv.(*Driver).root)
	assert.Equal(t, 22, drv.(*Driver).settings.Port)
}

func TestDriver_Scenario(t *testing.T) {
	ctx := context.Background()
	srv := newMemServer()
	_, drv := newTestDriver(t, srv, `{"host": "h", "user": "u"}`)

	entry, err := drv.Get(ctx, "", true)
	require.NoError(t, err)
	assert.True(t, entry.Dir)
	assert.Empty(t, entry.Files)

	_, err = drv.Get(ctx, "abc", true)
	assert.True(t, errs.IsNotFound(err))

	res, err := drv.Put(ctx, "abc/test.txt", strings.NewReader("X"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Size)

	entry, err = drv.Get(ctx, "", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "abc/test.txt"}, names(entry.Files))

	entry, err = drv.Get(ctx, "", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, names(entry.Files))

	entry, err = drv.Get(ctx, "abc/test.txt", true)
	require.NoError(t, err)
	require.NotNil(t, entry.Preview)
	assert.Equal(t, "X", *entry.Preview)
	assert.EqualValues(t, 1, entry.Size)

	assert.Equal(t, 1, srv.dialCount())
}

func TestDriver_PathRoot(t *testing.T) {
	ctx := context.Background()
	srv := newMemServer()
	srv.seed(t, func(c *sftp.Client) {
		writeFile(t, c, "/home/u/readme", "hello")
		writeFile(t, c, "/etc/secret", "s")
	})
	_, drv := newTestDriver(t, srv, `{"host": "h", "user": "u", "path": "/home/u"}`)

	entry, err := drv.Get(ctx, "", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"readme"}, names(entry.Files))

	_, err = drv.Get(ctx, "../../etc/secret", true)
	assert.True(t, errs.IsBadRequest(err))
	assert.Equal(t, 1, srv.dialCount())
}

func TestDriver_PutConflicts(t *testing.T) {
	ctx := context.Background()
	srv := newMemServer()
	srv.seed(t, func(c *sftp.Client) {
		require.NoError(t, c.Mkdir("/abc"))
		writeFile(t, c, "/file", "x")
	})
	_, drv := newTestDriver(t, srv, `{"host": "h", "user": "u"}`)

	_, err := drv.Put(ctx, "abc", strings.NewReader("x"))
	assert.True(t, errs.IsConflict(err))

	_, err = drv.Put(ctx, "file/child", strings.NewReader("x"))
	assert.True(t, errs.IsConflict(err))
}

func TestDriver_Download(t *testing.T) {
	ctx := context.Background()
	srv := newMemServer()
	srv.seed(t, func(c *sftp.Client) {
		writeFile(t, c, "/abc/data.bin", "payload")
	})
	_, drv := newTestDriver(t, srv, `{"host": "h", "user": "u"}`)

	_, err := drv.Download(ctx, "abc")
	assert.True(t, errs.IsBadRequest(err))
	_, err = drv.Download(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))

	obj, err := drv.Download(ctx, "abc/data.bin")
	require.NoError(t, err)
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	require.NoError(t, obj.Close())
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, "abc/data.bin", obj.Info().Name)
}

func TestDriver_Delete(t *testing.T) {
	ctx := context.Background()
	srv := newMemServer()
	srv.seed(t, func(c *sftp.Client) {
		writeFile(t, c, "/abc/nested/f", "x")
		writeFile(t, c, "/top.txt", "x")
	})
	_, drv := newTestDriver(t, srv, `{"host": "h", "user": "u"}`)

	require.NoError(t, drv.Delete(ctx, "abc"))
	require.NoError(t, drv.Delete(ctx, "top.txt"))

	entry, err := drv.Get(ctx, "", true)
	require.NoError(t, err)
	assert.Empty(t, entry.Files)

	assert.True(t, errs.IsNotFound(drv.Delete(ctx, "abc")))
	assert.True(t, errs.IsBadRequest(drv.Delete(ctx, "")))
}

func TestFactory_Forget(t *testing.T) {
	ctx := context.Background()
	srv := newMemServer()
	f, drv := newTestDriver(t, srv, `{"host": "h", "user": "u"}`)

	_, err := drv.Get(ctx, "", true)
	require.NoError(t, err)
	f.Forget("tBcsftp")
	assert.Zero(t, f.cache.Len())

	_, err = drv.Get(ctx, "", true)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.dialCount())
}

func TestClientConfig(t *testing.T) {
	_, err := clientConfig(Settings{Host: "h", User: "u"})
	assert.True(t, errs.IsInvalidInput(err))

	_, err = clientConfig(Settings{Host: "h", User: "u", PrivateKey: "not a key"})
	assert.True(t, errs.IsInvalidInput(err))

	_, err = clientConfig(Settings{Host: "h", User: "u", Password: "p", HostKey: "garbage"})
	assert.True(t, errs.IsInvalidInput(err))

	cfg, err := clientConfig(Settings{Host: "h", User: "u", Password: "p", Timeout: 5})
	require.NoError(t, err)
	assert.Equal(t, "u", cfg.User)
	assert.Len(t, cfg.Auth, 1)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestMapError(t *testing.T) {
	ctx := context.Background()
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		kind errs.ErrKind
	}{
		{"not exist", ctx, &fs.PathError{Op: "stat", Path: "/x", Err: fs.ErrNotExist}, errs.ErrKindNotFound},
		{"permission", ctx, fs.ErrPermission, errs.ErrKindPermissionDenied},
		{"connection lost", ctx, sftp.ErrSSHFxConnectionLost, errs.ErrKindConnectionFailed},
		{"unsupported", ctx, &sftp.StatusError{Code: 8}, errs.ErrKindNotImplemented},
		{"failure status", ctx, &sftp.StatusError{Code: 4}, errs.ErrKindUnknown},
		{"broken pipe", ctx, io.ErrClosedPipe, errs.ErrKindConnectionFailed},
		{"cancelled", cancelled, io.ErrClosedPipe, errs.ErrKindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, errs.KindOf(mapError(tt.ctx, tt.err, "op")))
		})
	}
}
