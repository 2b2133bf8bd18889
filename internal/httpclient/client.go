// Package httpclient builds HTTP clients with optional proxy support for
// reaching the vault service.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ledgerline/packwatch/internal/config"
)

// DefaultTimeout is the default HTTP client timeout.
const DefaultTimeout = 30 * time.Second

// Options configures the HTTP client.
type Options struct {
	// Timeout for HTTP requests (default: 30s)
	Timeout time.Duration
	// Proxy contains outbound proxy settings
	Proxy *config.ProxyConfig
}

// New creates an HTTP client with optional proxy support.
func New(opts Options) (*http.Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.Proxy.HasProxy() {
		if err := configureProxy(transport, opts.Proxy); err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}, nil
}

// NewFromConfig creates an HTTP client using the packwatch configuration.
func NewFromConfig(cfg *config.Config, timeout time.Duration) (*http.Client, error) {
	var proxyConfig *config.ProxyConfig
	if cfg != nil {
		proxyConfig = cfg.Proxy
	}

	return New(Options{
		Timeout: timeout,
		Proxy:   proxyConfig,
	})
}

func configureProxy(transport *http.Transport, cfg *config.ProxyConfig) error {
	// SOCKS5 takes precedence over HTTP proxies.
	if cfg.SOCKS5Proxy != "" {
		return configureSocks5(transport, cfg.SOCKS5Proxy)
	}

	transport.Proxy = func(req *http.Request) (*url.URL, error) {
		return proxyFor(req, cfg)
	}

	return nil
}

func configureSocks5(transport *http.Transport, socks5URL string) error {
	proxyURL, err := url.Parse(socks5URL)
	if err != nil {
		return fmt.Errorf("parse SOCKS5 proxy URL: %w", err)
	}

	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{
			User:     proxyURL.User.Username(),
			Password: password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return fmt.Errorf("create SOCKS5 dialer: %w", err)
	}

	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}

	return nil
}

// proxyFor returns the proxy URL for the given request, or nil when the host
// bypasses the proxy.
func proxyFor(req *http.Request, cfg *config.ProxyConfig) (*url.URL, error) {
	if bypassesProxy(req.URL.Host, cfg.NoProxy) {
		return nil, nil
	}

	var proxyURL string
	if req.URL.Scheme == "https" && cfg.HTTPSProxy != "" {
		proxyURL = cfg.HTTPSProxy
	} else if cfg.HTTPProxy != "" {
		proxyURL = cfg.HTTPProxy
	}

	if proxyURL == "" {
		return nil, nil
	}

	return url.Parse(proxyURL)
}

// bypassesProxy checks a host against the comma-separated no_proxy list.
// Entries match exactly, as a domain suffix (".example.com"), or as a parent
// domain ("example.com" matches "foo.example.com"). "*" matches everything.
func bypassesProxy(host, noProxy string) bool {
	if noProxy == "" {
		return false
	}

	hostOnly, _, err := net.SplitHostPort(host)
	if err != nil {
		hostOnly = host
	}
	hostOnly = strings.ToLower(hostOnly)

	for _, pattern := range strings.Split(noProxy, ",") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if pattern == "*" || hostOnly == pattern {
			return true
		}
		if strings.HasPrefix(pattern, ".") && strings.HasSuffix(hostOnly, pattern) {
			return true
		}
		if strings.HasSuffix(hostOnly, "."+pattern) {
			return true
		}
	}

	return false
}
