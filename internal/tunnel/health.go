package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kage-kao/VK-Music-Saver/model"
	"github.com/kage-kao/VK-Music-Saver/utils"
)

// ProbeErrorKind classifies a failed egress probe.
type ProbeErrorKind string

const (
	ProbeUnreachable ProbeErrorKind = "tunnel unreachable"
	ProbeRejected    ProbeErrorKind = "upstream rejected"
	ProbeTimeout     ProbeErrorKind = "timeout"
)

type ProbeError struct {
	Kind ProbeErrorKind
	Err  error
}

func (e *ProbeError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Is makes every probe failure match model.ErrTunnel.
func (e *ProbeError) Is(target error) bool { return target == model.ErrTunnel }

type ProbeResult struct {
	LatencyMs int64
	IP        string
}

// Checker probes an IP-echo endpoint through a proxy.
type Checker struct {
	URL         string
	Timeout     time.Duration
	RetryMax    int
	RetryDelays []time.Duration
}

func NewChecker(checkURL string, timeout time.Duration, retryMax int, delays []time.Duration) *Checker {
	return &Checker{URL: checkURL, Timeout: timeout, RetryMax: retryMax, RetryDelays: delays}
}

// Check probes through endpoint. Unreachable proxies are not retried.
func (c *Checker) Check(ctx context.Context, endpoint string) (*ProbeResult, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, &ProbeError{Kind: ProbeUnreachable, Err: fmt.Errorf("bad endpoint %q", endpoint)}
	}
	var result *ProbeResult
	err = utils.Retry(ctx, c.RetryMax, c.RetryDelays, func(err error) bool {
		var pe *ProbeError
		return !errors.As(err, &pe) || pe.Kind != ProbeUnreachable
	}, func(ctx context.Context) error {
		r, err := c.probeOnce(ctx, endpoint, u.Host)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Checker) probeOnce(ctx context.Context, endpoint, proxyHost string) (*ProbeResult, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyHost)
	if err != nil {
		return nil, &ProbeError{Kind: ProbeUnreachable, Err: err}
	}
	_ = conn.Close()

	client, err := NewHTTPClient(endpoint, timeout)
	if err != nil {
		return nil, &ProbeError{Kind: ProbeUnreachable, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &ProbeError{Kind: ProbeTimeout, Err: err}
		}
		return nil, &ProbeError{Kind: ProbeRejected, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProbeError{Kind: ProbeRejected, Err: fmt.Errorf("status %s", resp.Status)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		if isTimeout(err) {
			return nil, &ProbeError{Kind: ProbeTimeout, Err: err}
		}
		return nil, &ProbeError{Kind: ProbeRejected, Err: err}
	}
	return &ProbeResult{
		LatencyMs: time.Since(start).Milliseconds(),
		IP:        echoedIP(data),
	}, nil
}

// echoedIP accepts {"ip": "..."} or a bare address in the body.
func echoedIP(data []byte) string {
	var body struct {
		IP string `json:"ip"`
	}
	err := json.Unmarshal(data, &body)
	if err == nil && body.IP != "" {
		return body.IP
	}
	if ip := net.ParseIP(strings.TrimSpace(string(data))); ip != nil {
		return ip.String()
	}
	if err != nil {
		log.Printf("tunnel: probe response is not an ip echo: %v", err)
	} else {
		log.Printf("tunnel: probe response has no ip field")
	}
	return ""
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// StatusMessage renders a successful probe for display.
func (r *ProbeResult) StatusMessage() string {
	msg := fmt.Sprintf("OK! Ping: %dms", r.LatencyMs)
	if r.IP != "" {
		msg += " | IP: " + r.IP
	}
	return msg
}
