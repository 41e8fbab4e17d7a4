package tunnel

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/kage-kao/VK-Music-Saver/model"
)

func TestParseVlessURI(t *testing.T) {
	uri := "vless://0b1e2f3a-aaaa-bbbb-cccc-1234567890ab@example.com:8443?type=ws&security=reality&sni=www.microsoft.com&fp=chrome&pbk=PUBKEY&sid=ab12&spx=%2F&path=%2Fws&host=cdn.example.com&flow=xtls-rprx-vision#My%20Server"
	p, err := ParseVlessURI(uri)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	checks := map[string][2]string{
		"uuid":     {p.UUID, "0b1e2f3a-aaaa-bbbb-cccc-1234567890ab"},
		"host":     {p.Host, "example.com"},
		"network":  {p.Network, "ws"},
		"security": {p.Security, "reality"},
		"sni":      {p.SNI, "www.microsoft.com"},
		"fp":       {p.Fingerprint, "chrome"},
		"pbk":      {p.PublicKey, "PUBKEY"},
		"sid":      {p.ShortID, "ab12"},
		"spx":      {p.SpiderX, "/"},
		"path":     {p.Path, "/ws"},
		"host hdr": {p.HostHeader, "cdn.example.com"},
		"flow":     {p.Flow, "xtls-rprx-vision"},
		"name":     {p.Name, "My Server"},
	}
	for field, pair := range checks {
		if pair[0] != pair[1] {
			t.Errorf("%s = %q, want %q", field, pair[0], pair[1])
		}
	}
	if p.Port != 8443 {
		t.Errorf("port = %d", p.Port)
	}
}

func TestParseVlessDefaults(t *testing.T) {
	p, err := ParseVlessURI("vless://id@10.0.0.1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Port != 443 || p.Network != "tcp" || p.Security != "none" || p.Encryption != "none" || p.Path != "/" {
		t.Fatalf("defaults wrong: %+v", p)
	}
	p, err = ParseVlessURI("vless://id@h:1?type=splithttp&mode=auto")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Network != "xhttp" || p.Mode != "auto" {
		t.Fatalf("splithttp not mapped: %+v", p)
	}
}

func TestParseVlessErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		"vmess://id@h:1",
		"vless://h:443",
		"vless://id@h:notaport",
		"vless://id@h:70000",
	} {
		if _, err := ParseVlessURI(raw); !errors.Is(err, model.ErrValidation) {
			t.Errorf("ParseVlessURI(%q) err = %v, want validation error", raw, err)
		}
	}
}

func TestBuildXrayConfig(t *testing.T) {
	p, err := ParseVlessURI("vless://uid@srv.example:443?type=grpc&security=tls&sni=srv.example&path=svc")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := json.Marshal(BuildXrayConfig(p, 10808))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var cfg struct {
		Inbounds []struct {
			Port     int    `json:"port"`
			Listen   string `json:"listen"`
			Protocol string `json:"protocol"`
			Settings struct {
				Auth string `json:"auth"`
				UDP  bool   `json:"udp"`
			} `json:"settings"`
		} `json:"inbounds"`
		Outbounds []struct {
			Protocol string `json:"protocol"`
			Tag      string `json:"tag"`
			Settings struct {
				Vnext []struct {
					Address string `json:"address"`
					Port    int    `json:"port"`
					Users   []struct {
						ID string `json:"id"`
					} `json:"users"`
				} `json:"vnext"`
			} `json:"settings"`
			StreamSettings struct {
				Network      string `json:"network"`
				Security     string `json:"security"`
				GRPCSettings struct {
					ServiceName string `json:"serviceName"`
				} `json:"grpcSettings"`
				TLSSettings struct {
					ServerName string `json:"serverName"`
				} `json:"tlsSettings"`
			} `json:"streamSettings"`
		} `json:"outbounds"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	in := cfg.Inbounds[0]
	if in.Port != 10808 || in.Listen != "127.0.0.1" || in.Protocol != "socks" || in.Settings.Auth != "noauth" || !in.Settings.UDP {
		t.Fatalf("inbound = %+v", in)
	}
	if len(cfg.Outbounds) != 2 || cfg.Outbounds[1].Protocol != "freedom" || cfg.Outbounds[1].Tag != "direct" {
		t.Fatalf("outbounds = %+v", cfg.Outbounds)
	}
	out := cfg.Outbounds[0]
	if out.Protocol != "vless" || out.Settings.Vnext[0].Address != "srv.example" || out.Settings.Vnext[0].Port != 443 || out.Settings.Vnext[0].Users[0].ID != "uid" {
		t.Fatalf("vless outbound = %+v", out)
	}
	ss := out.StreamSettings
	if ss.Network != "grpc" || ss.Security != "tls" || ss.GRPCSettings.ServiceName != "svc" || ss.TLSSettings.ServerName != "srv.example" {
		t.Fatalf("stream settings = %+v", ss)
	}
	if strings.Contains(string(data), "realitySettings") {
		t.Fatal("tls config should not carry reality settings")
	}
}

func TestBuildXrayConfigWSHost(t *testing.T) {
	p, _ := ParseVlessURI("vless://uid@h:443?type=ws&path=%2Fsock&host=front.example")
	cfg := BuildXrayConfig(p, 1)
	ws := cfg.Outbounds[0].StreamSettings.WSSettings
	if ws == nil || ws.Path != "/sock" || ws.Headers["Host"] != "front.example" {
		t.Fatalf("ws settings = %+v", ws)
	}
}
