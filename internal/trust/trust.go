// Package trust establishes the TLS trust context used to talk to the automation server.
//
// First contact may be trust-on-first-use: the server's certificate chain is captured over an
// unverified handshake and pinned for every later request. This protects the confidentiality of
// subsequent traffic but not the authenticity of the first exchange, so harvesting only happens
// when the caller explicitly accepts it.
package trust

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"homefence/internal/apperr"
)

// ErrBootstrapInFlight is returned when a second bootstrap starts while one is running.
var ErrBootstrapInFlight = errors.New("bootstrap already in progress")

// State is the bootstrap progress for one URL.
type State int

const (
	Unresolved State = iota
	Resolved
	CertsFetched
	Pinned
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolved:
		return "resolved"
	case CertsFetched:
		return "certs_fetched"
	case Pinned:
		return "pinned"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Context is the trust scope for one server URL. A nil TLS config means default system trust.
type Context struct {
	URL   *url.URL
	Certs []*x509.Certificate
	TLS   *tls.Config
}

// IsPinned reports whether requests trust only the pinned set.
func (c *Context) IsPinned() bool {
	return c.TLS != nil
}

// HTTPClient returns a client whose transport uses this trust scope.
func (c *Context) HTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.TLS != nil {
		transport.TLSClientConfig = c.TLS.Clone()
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Options configures a Bootstrapper.
type Options struct {
	// Timeout applies to each probe request and handshake. Zero means 10s.
	Timeout time.Duration
	// MaxHops bounds redirect resolution. Zero means DefaultMaxHops.
	MaxHops int
	Logger  zerolog.Logger
}

// Bootstrapper resolves, harvests and pins. At most one Bootstrap runs at a time.
type Bootstrapper struct {
	timeout time.Duration
	maxHops int
	log     zerolog.Logger
	gate    *semaphore.Weighted
}

func NewBootstrapper(opts Options) *Bootstrapper {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	return &Bootstrapper{
		timeout: opts.Timeout,
		maxHops: opts.MaxHops,
		log:     opts.Logger.With().Str("component", "trust").Logger(),
		gate:    semaphore.NewWeighted(1),
	}
}

// Result is the outcome of a bootstrap.
type Result struct {
	State   State
	Context *Context
	// Warning is set when the bootstrap completed with reduced trust.
	Warning string
}

// Bootstrap takes rawURL from Unresolved to Resolved and, for https with acceptUnverified set,
// through CertsFetched to Pinned. Without acceptUnverified the result uses default trust.
func (b *Bootstrapper) Bootstrap(ctx context.Context, rawURL string, acceptUnverified bool) (*Result, error) {
	if !b.gate.TryAcquire(1) {
		return nil, ErrBootstrapInFlight
	}
	defer b.gate.Release(1)

	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	resolved, err := b.resolve(ctx, u, acceptUnverified && u.Scheme == "https")
	if err != nil {
		return nil, err
	}
	res := &Result{State: Resolved, Context: Pin(resolved, nil)}
	if resolved.Scheme != "https" {
		return res, nil
	}
	if !acceptUnverified {
		res.Warning = "certificates not harvested without explicit acceptance; using default trust"
		return res, nil
	}

	certs, err := b.HarvestUntrusted(ctx, resolved)
	if err != nil {
		res.Warning = fmt.Sprintf("certificate harvest failed (%v); using default trust", err)
		b.log.Warn().Err(err).Str("url", resolved.String()).Msg("certificate harvest failed; using default trust")
		return res, nil
	}
	res.State = CertsFetched
	if len(certs) == 0 {
		res.Warning = "server offered no certificates; using default trust"
		b.log.Warn().Str("url", resolved.String()).Msg(res.Warning)
	}
	res.Context = Pin(resolved, certs)
	res.State = Pinned
	b.log.Info().Str("url", resolved.String()).Int("certs", len(certs)).Msg("pinned")
	return res, nil
}

// HarvestUntrusted captures the chain the server presents over an unverified handshake. It is
// a no-op for non-https URLs.
func (b *Bootstrapper) HarvestUntrusted(ctx context.Context, u *url.URL) ([]*x509.Certificate, error) {
	if u.Scheme != "https" {
		return nil, nil
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	cfg := insecureConfig()
	cfg.ServerName = u.Hostname()
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: b.timeout},
		Config:    cfg,
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return nil, apperr.Trust("harvest certificates", err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	certs := make([]*x509.Certificate, len(state.PeerCertificates))
	copy(certs, state.PeerCertificates)
	return certs, nil
}

// Pin builds the trust scope for u that accepts exactly certs. An empty set, or a non-https URL,
// yields default trust.
func Pin(u *url.URL, certs []*x509.Certificate) *Context {
	c := &Context{URL: u, Certs: certs}
	if u.Scheme != "https" || len(certs) == 0 {
		return c
	}
	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	pinned := append([]*x509.Certificate(nil), certs...)
	c.TLS = &tls.Config{
		MinVersion: tls.VersionTLS12,
		// Standard verification would check the hostname; VerifyPeerCertificate replaces it.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPinned(rawCerts, pinned, pool)
		},
	}
	return c
}

// Load rebuilds the trust scope for a previously pinned set at session start.
func Load(rawURL string, certs []*x509.Certificate) (*Context, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return Pin(u, certs), nil
}

func verifyPinned(rawCerts [][]byte, pinned []*x509.Certificate, pool *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return errors.New("server presented no certificate")
	}
	presented := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parse presented certificate: %w", err)
		}
		presented = append(presented, cert)
	}
	for _, cert := range presented {
		for _, p := range pinned {
			if bytes.Equal(cert.Raw, p.Raw) {
				return nil
			}
		}
	}
	intermediates := x509.NewCertPool()
	for _, cert := range presented[1:] {
		intermediates.AddCert(cert)
	}
	_, err := presented[0].Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
	})
	if err != nil {
		return fmt.Errorf("certificate not in pinned set: %w", err)
	}
	return nil
}

func insecureConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
}

// EncodePEM renders certs as concatenated CERTIFICATE blocks.
func EncodePEM(certs []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range certs {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	return buf.Bytes()
}

// DecodePEM parses concatenated CERTIFICATE blocks. Failures are trust errors.
func DecodePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, apperr.Trust("decode pinned certificates", err)
		}
		certs = append(certs, cert)
	}
	if len(bytes.TrimSpace(data)) != 0 {
		return nil, apperr.Trust("decode pinned certificates", errors.New("trailing data after PEM blocks"))
	}
	return certs, nil
}
