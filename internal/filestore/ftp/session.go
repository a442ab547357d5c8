package ftp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/koustreak/bucketgw/internal/errs"
)

// client is the part of *ftp.ServerConn the driver uses.
type client interface {
	List(path string) ([]*ftp.Entry, error)
	Retr(path string) (io.ReadCloser, error)
	Stor(path string, r io.Reader) error
	MakeDir(path string) error
	Delete(path string) error
	RemoveDirRecur(path string) error
	Quit() error
}

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retr(path string) (io.ReadCloser, error) {
	resp, err := c.ServerConn.Retr(path)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// session is one logged-in FTP connection held by the session cache.
type session struct {
	client
	abort func()
}

// Close sends QUIT and closes the control connection.
func (s *session) Close() error {
	return s.Quit()
}

// Abort closes every socket of the session, failing any transfer in flight.
func (s *session) Abort() {
	s.abort()
}

// conns tracks the sockets opened for one session.
type conns struct {
	mu      sync.Mutex
	open    map[net.Conn]struct{}
	aborted bool
}

func (c *conns) add(conn net.Conn) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		conn.Close()
		return nil, net.ErrClosed
	}
	c.open[conn] = struct{}{}
	return &trackedConn{Conn: conn, owner: c}, nil
}

func (c *conns) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	for conn := range c.open {
		conn.Close()
	}
	clear(c.open)
}

type trackedConn struct {
	net.Conn
	owner *conns
}

func (t *trackedConn) Close() error {
	t.owner.mu.Lock()
	delete(t.owner.open, t.Conn)
	t.owner.mu.Unlock()
	return t.Conn.Close()
}

// dialServer connects and logs in. ctx bounds the control connection and the
// login exchange; data connections opened later use the dial timeout only.
func dialServer(ctx context.Context, s Settings) (*session, error) {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	dialer := net.Dialer{Timeout: time.Duration(s.Timeout) * time.Second}
	tracked := &conns{open: make(map[net.Conn]struct{})}

	var tlsConfig *tls.Config
	if s.SSL {
		tlsConfig = &tls.Config{ServerName: s.Host}
	}

	first := true
	dial := func(network, address string) (net.Conn, error) {
		dctx, control := context.Background(), first
		if control {
			dctx, first = ctx, false
		}
		conn, err := dialer.DialContext(dctx, network, address)
		if err != nil {
			return nil, err
		}
		// the client only upgrades the control connection itself when a
		// dial func is set
		if !control && tlsConfig != nil {
			conn = tls.Client(conn, tlsConfig)
		}
		return tracked.add(conn)
	}

	stop := context.AfterFunc(ctx, tracked.abort)

	opts := []ftp.DialOption{ftp.DialWithDialFunc(dial)}
	if tlsConfig != nil {
		opts = append(opts, ftp.DialWithExplicitTLS(tlsConfig))
	}

	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		stop()
		return nil, mapError(ctx, err, "ftp connect failed")
	}
	if err := conn.Login(s.User, s.Password); err != nil {
		stop()
		conn.Quit()
		return nil, mapError(ctx, err, "ftp login failed")
	}
	if !stop() {
		conn.Quit()
		return nil, errs.Wrap(errs.ErrKindTimeout, "ftp login aborted", context.Cause(ctx))
	}
	return &session{client: serverConn{conn}, abort: tracked.abort}, nil
}
