package util

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
)

// HTTPClientOptions tunes the shared outbound HTTP client construction.
type HTTPClientOptions struct {
	// Timeout applies per request. Zero means no client side timeout.
	Timeout time.Duration
	// ExtraCACertsFile optionally points at a PEM bundle appended to the
	// system pool, for clusters fronted by a private CA.
	ExtraCACertsFile string
	// ProxyURL optionally routes all requests through a forward proxy.
	ProxyURL string
	// DisableKeepAlives forces a fresh TCP connection per request. Probe
	// traffic uses this so broken connections to recycled pods are never
	// reused.
	DisableKeepAlives bool
}

// NewHTTPClient builds an *http.Client on a pristine (non shared) transport.
func NewHTTPClient(opts HTTPClientOptions) (*http.Client, error) {
	transport := cleanhttp.DefaultPooledTransport()
	transport.DisableKeepAlives = opts.DisableKeepAlives

	if opts.ExtraCACertsFile != "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		pem, err := os.ReadFile(opts.ExtraCACertsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle %s: %w", opts.ExtraCACertsFile, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", opts.ExtraCACertsFile)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", opts.ProxyURL, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Transport: transport, Timeout: opts.Timeout}, nil
}
