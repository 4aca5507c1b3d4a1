// Package dialer opens broker connections through HTTP CONNECT or SOCKS5
// proxies for the engine extensions.
package dialer

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// ErrUnsupportedScheme is returned for proxy URLs other than http, https,
// socks5 and socks5h.
var ErrUnsupportedScheme = errors.New("unsupported proxy scheme")

// Config selects the proxy an engine dials through.
type Config struct {
	// URL is http://host:port or socks5://host:port. Empty disables the
	// explicit proxy.
	URL      string
	Username string
	Password string

	// FromEnvironment falls back to HTTP_PROXY, HTTPS_PROXY and NO_PROXY
	// when URL is empty.
	FromEnvironment bool
}

// Dialer connects to broker addresses through a proxy.
type Dialer struct {
	proxyURL *url.URL
	username string
	password string
	forward  net.Dialer
}

// New creates a Dialer for proxyURL. Credentials embedded in the URL are
// used when username is empty.
func New(proxyURL, username, password string) (*Dialer, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &Dialer{
		proxyURL: u,
		username: username,
		password: password,
		forward:  net.Dialer{Timeout: 30 * time.Second},
	}, nil
}

// ForServer resolves cfg for serverURI. It returns nil, nil when the
// connection should be dialed directly.
func ForServer(serverURI string, cfg Config) (*Dialer, error) {
	if cfg.URL != "" {
		return New(cfg.URL, cfg.Username, cfg.Password)
	}
	if !cfg.FromEnvironment {
		return nil, nil
	}

	u, err := FromEnvironment(serverURI)
	if err != nil || u == nil {
		return nil, err
	}
	return New(u.String(), cfg.Username, cfg.Password)
}

// Scheme returns the proxy scheme.
func (d *Dialer) Scheme() string {
	return d.proxyURL.Scheme
}

// DialContext connects to addr through the proxy.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch d.proxyURL.Scheme {
	case "http", "https":
		return d.dialConnect(ctx, addr)
	case "socks5", "socks5h":
		return d.dialSOCKS5(ctx, network, addr)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, d.proxyURL.Scheme)
	}
}

func (d *Dialer) dialConnect(ctx context.Context, addr string) (net.Conn, error) {
	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		port := "8080"
		if d.proxyURL.Scheme == "https" {
			port = "443"
		}
		proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), port)
	}

	conn, err := d.forward.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}

	return conn, nil
}

func (d *Dialer) dialSOCKS5(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "1080")
	}

	var auth *proxy.Auth
	if d.username != "" {
		auth = &proxy.Auth{User: d.username, Password: d.password}
	}

	socks, err := proxy.SOCKS5("tcp", proxyAddr, auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}

	if cd, ok := socks.(proxy.ContextDialer); ok {
		conn, err := cd.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial: %w", err)
		}
		return conn, nil
	}

	conn, err := socks.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial: %w", err)
	}
	return conn, nil
}

// FromEnvironment returns the proxy for serverURI from HTTP_PROXY,
// HTTPS_PROXY and NO_PROXY (upper or lower case). It returns nil when the
// broker should be reached directly.
func FromEnvironment(serverURI string) (*url.URL, error) {
	u, err := url.Parse(serverURI)
	if err != nil {
		return nil, nil
	}

	if bypass(u.Hostname(), lookupEnv("NO_PROXY")) {
		return nil, nil
	}

	var value string
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "wss", "https":
		value = lookupEnv("HTTPS_PROXY")
	}
	if value == "" {
		value = lookupEnv("HTTP_PROXY")
	}
	if value == "" {
		return nil, nil
	}

	return url.Parse(value)
}

func lookupEnv(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return os.Getenv(strings.ToLower(name))
}

func bypass(host, noProxy string) bool {
	for _, pattern := range strings.Split(noProxy, ",") {
		pattern = strings.TrimSpace(pattern)
		switch {
		case pattern == "":
			continue
		case pattern == "*":
			return true
		case strings.HasPrefix(pattern, "."):
			if strings.HasSuffix(host, pattern) || host == pattern[1:] {
				return true
			}
		case host == pattern || strings.HasSuffix(host, "."+pattern):
			return true
		}
	}
	return false
}
