package model

import "time"

// ProxyType is the egress protocol of a Proxy.
type ProxyType string

const (
	ProxyVless  ProxyType = "vless"
	ProxySocks5 ProxyType = "socks5"
	ProxyHTTP   ProxyType = "http"
)

// Valid reports whether t is a known proxy type.
func (t ProxyType) Valid() bool {
	return t == ProxyVless || t == ProxySocks5 || t == ProxyHTTP
}

type Proxy struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name      string    `gorm:"column:name;type:varchar(255)" json:"name"`
	ProxyType ProxyType `gorm:"column:proxy_type;type:varchar(16);not null" json:"proxy_type"`
	Address   string    `gorm:"column:address;type:text;not null" json:"address"`
	Enabled   bool      `gorm:"column:enabled;index" json:"enabled"`

	Status        ProxyStatus `gorm:"column:status;type:varchar(16)" json:"status"`
	StatusMessage string      `gorm:"column:status_message;type:text" json:"status_message"`
	CheckLatency  int64       `gorm:"column:check_latency" json:"check_latency"`
	CheckIP       string      `gorm:"column:check_ip;type:varchar(64)" json:"check_ip"`
	LastCheck     *time.Time  `gorm:"column:last_check" json:"last_check,omitempty"`

	XrayRunning bool `gorm:"column:xray_running" json:"xray_running"`
	XrayPort    int  `gorm:"column:xray_port" json:"xray_port"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (Proxy) TableName() string {
	return "proxy"
}

// Clone returns a shallow copy.
func (p *Proxy) Clone() *Proxy {
	if p == nil {
		return nil
	}
	c := *p
	if p.LastCheck != nil {
		t := *p.LastCheck
		c.LastCheck = &t
	}
	return &c
}
