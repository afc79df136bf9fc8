// Package nc talks to the file-sync backend: credential verification for
// websocket handshakes plus the small test endpoints used to validate the
// deployment (cookie direction, trusted-proxy chain, version publishing).
package nc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fsyncd/pushgate/internal/user"
)

// ErrInvalidCredentials is returned when the backend rejects the login.
var ErrInvalidCredentials = errors.New("Invalid credentials")

// StatusError reports an unexpected backend response status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	switch {
	case e.Status >= 500:
		return fmt.Sprintf("Server error: %d", e.Status)
	case e.Status >= 400:
		return fmt.Sprintf("Client error: %d", e.Status)
	default:
		return fmt.Sprintf("Unexpected status code: %d", e.Status)
	}
}

// ErrNotATrustedDomain means the gateway's host is missing from the
// backend's trusted domain list.
type ErrNotATrustedDomain struct {
	Host string
}

func (e *ErrNotATrustedDomain) Error() string {
	return fmt.Sprintf("%s is not configured as a trusted domain for the backend server", e.Host)
}

// Client is an HTTP client for the backend's notify_push app routes.
type Client struct {
	http    *http.Client
	baseURL *url.URL
}

// NewClient parses the base url and configures TLS. allowSelfSigned
// disables certificate validation for every request.
func NewClient(baseURL string, allowSelfSigned bool) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if allowSelfSigned {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		http:    &http.Client{Transport: transport},
		baseURL: parsed,
	}, nil
}

// VerifyCredentials asks the backend to authenticate username/password,
// forwarding the proxy chain so the backend can validate trusted proxies.
// The returned user id is authoritative and may differ from username in
// canonicalization.
func (c *Client) VerifyCredentials(ctx context.Context, username, password string, forwardedFor []net.IP) (user.ID, error) {
	slog.Debug("verifying credentials", "username", username)

	req, err := c.request(ctx, "index.php/apps/notify_push/uid")
	if err != nil {
		return user.ID{}, err
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("X-Forwarded-For", joinIPs(forwardedFor))

	resp, err := c.http.Do(req)
	if err != nil {
		return user.ID{}, fmt.Errorf("error while connecting to backend: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return user.ID{}, fmt.Errorf("error reading backend response: %w", err)
		}
		return user.New(string(body)), nil
	case resp.StatusCode == http.StatusUnauthorized:
		return user.ID{}, ErrInvalidCredentials
	default:
		return user.ID{}, &StatusError{Status: resp.StatusCode}
	}
}

// TestCookie fetches the last test cookie the backend published, verifying
// gateway → backend connectivity.
func (c *Client) TestCookie(ctx context.Context) (uint32, error) {
	req, err := c.request(ctx, "index.php/apps/notify_push/test/cookie")
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error while connecting to backend: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("error reading backend response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		if strings.Contains(string(body), "admin-trusted-domains") {
			return 0, &ErrNotATrustedDomain{Host: c.baseURL.Hostname()}
		}
		return 0, &StatusError{Status: resp.StatusCode}
	}

	cookie, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid response when getting test cookie: %w", err)
	}
	return uint32(cookie), nil
}

// TestSetRemote sends a single forwarded-for address and returns the remote
// address the backend saw, verifying the trusted-proxy configuration.
func (c *Client) TestSetRemote(ctx context.Context, addr net.IP) (net.IP, error) {
	req, err := c.request(ctx, "index.php/apps/notify_push/test/remote")
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Forwarded-For", addr.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to backend: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading backend response: %w", err)
	}
	remote := net.ParseIP(strings.TrimSpace(string(body)))
	if remote == nil {
		return nil, fmt.Errorf("invalid response when testing the trusted proxy chain: %q", body)
	}
	return remote, nil
}

// RequestAppVersion asks the backend to publish its app version into the
// shared key-value store under notify_push_app_version.
func (c *Client) RequestAppVersion(ctx context.Context) error {
	req, err := c.request(ctx, "index.php/apps/notify_push/test/version")
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error while connecting to backend: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) request(ctx context.Context, path string) (*http.Request, error) {
	target, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
}

// joinIPs renders the forwarded chain the way proxies do: client-nearest
// first, comma-space separated.
func joinIPs(ips []net.IP) string {
	parts := make([]string, len(ips))
	for i, ip := range ips {
		parts[i] = ip.String()
	}
	return strings.Join(parts, ", ")
}
