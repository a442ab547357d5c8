package sftp

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/koustreak/bucketgw/internal/errs"
)

// session is one SFTP subsystem over an authenticated SSH connection.
type session struct {
	client *sftp.Client

	// closers run after the SFTP client on Close, innermost first.
	closers []io.Closer
	abort   func()
}

func (s *session) Close() error {
	err := s.client.Close()
	for _, c := range s.closers {
		c.Close()
	}
	return err
}

func (s *session) Abort() {
	s.abort()
}

func clientConfig(s Settings) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:    s.User,
		Timeout: time.Duration(s.Timeout) * time.Second,
	}

	if s.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s.HostKey))
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidInput, "invalid host_key", err)
		}
		cfg.HostKeyCallback = ssh.FixedHostKey(key)
	} else {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	if s.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(s.PrivateKey))
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidInput, "invalid private_key", err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if s.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(s.Password))
	}
	if len(cfg.Auth) == 0 {
		return nil, errs.New(errs.ErrKindInvalidInput, "password or private_key is required")
	}
	return cfg, nil
}

// dialServer opens the SSH connection and starts the SFTP subsystem. ctx
// bounds the whole handshake.
func dialServer(ctx context.Context, s Settings) (*session, error) {
	cfg, err := clientConfig(s)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, mapError(ctx, err, "ssh connect failed")
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		stop()
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, errs.Wrap(errs.ErrKindPermissionDenied, "ssh login failed", err)
		}
		return nil, mapError(ctx, err, "ssh handshake failed")
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		stop()
		sshClient.Close()
		return nil, mapError(ctx, err, "sftp subsystem failed")
	}
	if !stop() {
		client.Close()
		sshClient.Close()
		return nil, errs.Wrap(errs.ErrKindTimeout, "ssh login aborted", context.Cause(ctx))
	}

	return &session{
		client:  client,
		closers: []io.Closer{sshClient},
		abort:   func() { conn.Close() },
	}, nil
}
