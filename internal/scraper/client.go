package scraper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/multierr"

	"github.com/titisan/ldap-exporter/internal/config"
)

// Conn is one directory session.
type Conn interface {
	// Connect dials, upgrades and binds. On error nothing is left open.
	Connect(ctx context.Context) error
	Search(ctx context.Context, req *ldap.SearchRequest) ldap.Response
	Close() error
}

// Dialer returns an unconnected Conn for cfg.
type Dialer func(cfg *config.Config) Conn

// NewConn is the default Dialer, backed by go-ldap.
func NewConn(cfg *config.Config) Conn {
	return &ldapClient{cfg: cfg}
}

type ldapClient struct {
	cfg  *config.Config
	conn *ldap.Conn
}

func (c *ldapClient) Connect(ctx context.Context) error {
	tlsCfg, err := buildTLSConfig(c.cfg)
	if err != nil {
		return fmt.Errorf("build tls config: %w", err)
	}

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		dialer.Deadline = deadline
	}

	conn, err := ldap.DialURL(c.cfg.LDAPURL,
		ldap.DialWithDialer(dialer),
		ldap.DialWithTLSConfig(tlsCfg),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.LDAPURL, err)
	}
	if hasDeadline {
		conn.SetTimeout(time.Until(deadline))
	}

	if c.cfg.StartTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			return multierr.Append(fmt.Errorf("starttls: %w", err), conn.Close())
		}
	}

	if c.cfg.Username != "" && c.cfg.Password != "" {
		if err := conn.Bind(c.cfg.Username, c.cfg.Password); err != nil {
			return multierr.Append(fmt.Errorf("bind as %q: %w", c.cfg.Username, err), conn.Close())
		}
	}

	c.conn = conn
	return nil
}

func (c *ldapClient) Search(ctx context.Context, req *ldap.SearchRequest) ldap.Response {
	return c.conn.SearchAsync(ctx, req, 64)
}

func (c *ldapClient) Close() error {
	defer func() { c.conn = nil }()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// buildTLSConfig constructs the TLS settings used for ldaps:// and StartTLS.
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
		ServerName:         cfg.TLS.ServerName,
	}
	if tlsCfg.ServerName == "" {
		if u, err := url.Parse(cfg.LDAPURL); err == nil {
			tlsCfg.ServerName = u.Hostname()
		}
	}

	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs found in ca file %q", cfg.TLS.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}
