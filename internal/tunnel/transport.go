package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kage-kao/VK-Music-Saver/model"
	"golang.org/x/net/proxy"
)

// Endpoint returns the outbound proxy URL for p, or "" when p cannot carry traffic.
func Endpoint(p *model.Proxy) string {
	if p == nil {
		return ""
	}
	addr := strings.TrimSpace(p.Address)
	switch p.ProxyType {
	case model.ProxyVless:
		if p.XrayRunning && p.XrayPort > 0 {
			return LocalSocksEndpoint(p.XrayPort)
		}
		return ""
	case model.ProxyHTTP:
		if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
			return addr
		}
		return "http://" + addr
	case model.ProxySocks5:
		if strings.HasPrefix(addr, "socks5://") || strings.HasPrefix(addr, "socks5h://") {
			return addr
		}
		return "socks5://" + addr
	}
	return ""
}

// LocalSocksEndpoint is the socks URL of a forwarder listening on port.
func LocalSocksEndpoint(port int) string {
	return fmt.Sprintf("socks5://127.0.0.1:%d", port)
}

// NewHTTPClient returns a client whose traffic goes through endpoint.
// An empty endpoint yields a direct client.
func NewHTTPClient(endpoint string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: bad proxy endpoint: %v", model.ErrTunnel, err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			var auth *proxy.Auth
			if u.User != nil {
				password, _ := u.User.Password()
				auth = &proxy.Auth{User: u.User.Username(), Password: password}
			}
			dialer, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: 10 * time.Second})
			if err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrTunnel, err)
			}
			contextDialer, ok := dialer.(proxy.ContextDialer)
			if !ok {
				return nil, errors.New("socks5 dialer does not support context")
			}
			transport.Proxy = nil
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return contextDialer.DialContext(ctx, network, addr)
			}
		default:
			return nil, fmt.Errorf("%w: unsupported proxy scheme %q", model.ErrTunnel, u.Scheme)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
