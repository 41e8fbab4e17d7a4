package tunnel

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kage-kao/VK-Music-Saver/model"
)

// VlessParams is the parsed form of a vless:// share link.
type VlessParams struct {
	UUID        string
	Host        string
	Port        int
	Name        string
	Network     string // tcp, ws, grpc, xhttp
	Security    string // none, tls, reality
	Encryption  string
	SNI         string
	Fingerprint string
	PublicKey   string
	ShortID     string
	SpiderX     string
	Path        string
	HostHeader  string
	Mode        string
	Flow        string
}

// ParseVlessURI parses vless://uuid@host:port?params#name.
func ParseVlessURI(raw string) (*VlessParams, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "vless://") {
		return nil, fmt.Errorf("%w: not a vless uri", model.ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("%w: vless uri missing user id", model.ErrValidation)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: vless uri missing host", model.ErrValidation)
	}
	port := 443
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: invalid vless port %q", model.ErrValidation, p)
		}
	}
	q := u.Query()
	get := func(key, def string) string {
		if v := q.Get(key); v != "" {
			return v
		}
		return def
	}
	network := get("type", "tcp")
	if network == "splithttp" {
		network = "xhttp"
	}
	return &VlessParams{
		UUID:        u.User.Username(),
		Host:        host,
		Port:        port,
		Name:        u.Fragment,
		Network:     network,
		Security:    get("security", "none"),
		Encryption:  get("encryption", "none"),
		SNI:         q.Get("sni"),
		Fingerprint: q.Get("fp"),
		PublicKey:   q.Get("pbk"),
		ShortID:     q.Get("sid"),
		SpiderX:     q.Get("spx"),
		Path:        get("path", "/"),
		HostHeader:  q.Get("host"),
		Mode:        q.Get("mode"),
		Flow:        q.Get("flow"),
	}, nil
}

// XrayConfig is the subset of the xray JSON config the forwarder needs.
type XrayConfig struct {
	Log       xrayLog        `json:"log"`
	Inbounds  []xrayInbound  `json:"inbounds"`
	Outbounds []xrayOutbound `json:"outbounds"`
	Routing   xrayRouting    `json:"routing"`
}

type xrayLog struct {
	LogLevel string `json:"loglevel"`
}

type xrayInbound struct {
	Tag      string                 `json:"tag"`
	Port     int                    `json:"port"`
	Listen   string                 `json:"listen"`
	Protocol string                 `json:"protocol"`
	Settings map[string]interface{} `json:"settings"`
	Sniffing xraySniffing           `json:"sniffing"`
}

type xraySniffing struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride"`
}

type xrayOutbound struct {
	Tag            string              `json:"tag"`
	Protocol       string              `json:"protocol"`
	Settings       *xrayVlessSettings  `json:"settings,omitempty"`
	StreamSettings *xrayStreamSettings `json:"streamSettings,omitempty"`
}

type xrayVlessSettings struct {
	Vnext []xrayVnext `json:"vnext"`
}

type xrayVnext struct {
	Address string          `json:"address"`
	Port    int             `json:"port"`
	Users   []xrayVlessUser `json:"users"`
}

type xrayVlessUser struct {
	ID         string `json:"id"`
	Encryption string `json:"encryption"`
	Level      int    `json:"level"`
	Flow       string `json:"flow,omitempty"`
}

type xrayStreamSettings struct {
	Network         string                 `json:"network"`
	Security        string                 `json:"security"`
	TCPSettings     map[string]interface{} `json:"tcpSettings,omitempty"`
	WSSettings      *xrayWSSettings        `json:"wsSettings,omitempty"`
	GRPCSettings    *xrayGRPCSettings      `json:"grpcSettings,omitempty"`
	XHTTPSettings   *xrayXHTTPSettings     `json:"xhttpSettings,omitempty"`
	TLSSettings     *xrayTLSSettings       `json:"tlsSettings,omitempty"`
	RealitySettings *xrayRealitySettings   `json:"realitySettings,omitempty"`
}

type xrayWSSettings struct {
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
}

type xrayGRPCSettings struct {
	ServiceName string `json:"serviceName"`
	MultiMode   bool   `json:"multiMode"`
}

type xrayXHTTPSettings struct {
	Path string `json:"path"`
	Host string `json:"host,omitempty"`
	Mode string `json:"mode,omitempty"`
}

type xrayTLSSettings struct {
	AllowInsecure bool   `json:"allowInsecure"`
	ServerName    string `json:"serverName,omitempty"`
	Fingerprint   string `json:"fingerprint,omitempty"`
}

type xrayRealitySettings struct {
	Show        bool   `json:"show"`
	ServerName  string `json:"serverName,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	ShortID     string `json:"shortId,omitempty"`
	SpiderX     string `json:"spiderX,omitempty"`
}

type xrayRouting struct {
	DomainStrategy string        `json:"domainStrategy"`
	Rules          []interface{} `json:"rules"`
}

// BuildXrayConfig returns an xray config with a socks inbound on 127.0.0.1:localPort
// and a vless outbound described by p.
func BuildXrayConfig(p *VlessParams, localPort int) XrayConfig {
	stream := &xrayStreamSettings{Network: p.Network, Security: p.Security}
	switch p.Network {
	case "ws":
		ws := &xrayWSSettings{Path: p.Path, Headers: map[string]string{}}
		if p.HostHeader != "" {
			ws.Headers["Host"] = p.HostHeader
		}
		stream.WSSettings = ws
	case "grpc":
		// grpc links carry the service name in path; "/" means unset.
		service := p.Path
		if service == "/" {
			service = ""
		}
		stream.GRPCSettings = &xrayGRPCSettings{ServiceName: service}
	case "xhttp":
		stream.XHTTPSettings = &xrayXHTTPSettings{Path: p.Path, Host: p.HostHeader, Mode: p.Mode}
	case "tcp":
		stream.TCPSettings = map[string]interface{}{}
	}
	switch p.Security {
	case "tls":
		stream.TLSSettings = &xrayTLSSettings{ServerName: p.SNI, Fingerprint: p.Fingerprint}
	case "reality":
		stream.RealitySettings = &xrayRealitySettings{
			ServerName:  p.SNI,
			Fingerprint: p.Fingerprint,
			PublicKey:   p.PublicKey,
			ShortID:     p.ShortID,
			SpiderX:     p.SpiderX,
		}
	}

	return XrayConfig{
		Log: xrayLog{LogLevel: "warning"},
		Inbounds: []xrayInbound{{
			Tag:      "socks-in",
			Port:     localPort,
			Listen:   "127.0.0.1",
			Protocol: "socks",
			Settings: map[string]interface{}{"auth": "noauth", "udp": true},
			Sniffing: xraySniffing{Enabled: true, DestOverride: []string{"http", "tls"}},
		}},
		Outbounds: []xrayOutbound{
			{
				Tag:      "proxy",
				Protocol: "vless",
				Settings: &xrayVlessSettings{Vnext: []xrayVnext{{
					Address: p.Host,
					Port:    p.Port,
					Users:   []xrayVlessUser{{ID: p.UUID, Encryption: p.Encryption, Flow: p.Flow}},
				}}},
				StreamSettings: stream,
			},
			{Tag: "direct", Protocol: "freedom"},
		},
		Routing: xrayRouting{DomainStrategy: "AsIs", Rules: []interface{}{}},
	}
}
