// Package engineconf builds the declarative configuration consumed by the external
// xray-compatible proxy engine: one loopback inbound on the leased port and one
// outbound for the descriptor being validated.
package engineconf

import "encoding/json"

// LocalProxyConfig is the full engine configuration for one validation job.
type LocalProxyConfig struct {
	Log       LogConfig  `json:"log"`
	Inbounds  []Inbound  `json:"inbounds"`
	Outbounds []Outbound `json:"outbounds"`
}

type LogConfig struct {
	LogLevel string `json:"loglevel"`
}

type Inbound struct {
	Tag      string          `json:"tag"`
	Listen   string          `json:"listen"`
	Port     int             `json:"port"`
	Protocol string          `json:"protocol"`
	Settings InboundSettings `json:"settings"`
}

type InboundSettings struct {
	Auth string `json:"auth,omitempty"` // socks only
	UDP  bool   `json:"udp"`
}

type Outbound struct {
	Tag            string          `json:"tag"`
	Protocol       string          `json:"protocol"`
	Settings       any             `json:"settings"`
	StreamSettings *StreamSettings `json:"streamSettings,omitempty"`
}

// vnext 形式用于 VLESS/VMess，servers 形式用于 Shadowsocks/Trojan
type vnextSettings struct {
	Vnext []vnextServer `json:"vnext"`
}

type vnextServer struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Users   []user `json:"users"`
}

type user struct {
	ID         string `json:"id"`
	Flow       string `json:"flow,omitempty"`
	Encryption string `json:"encryption,omitempty"`
	AlterID    *int   `json:"alterId,omitempty"`
	Security   string `json:"security,omitempty"`
	Level      int    `json:"level"`
}

type serversSettings struct {
	Servers []server `json:"servers"`
}

type server struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Method   string `json:"method,omitempty"`
	Password string `json:"password"`
	Level    int    `json:"level"`
}

// hysteriaOutboundSettings is the flat settings object of the xray "hysteria" outbound.
type hysteriaOutboundSettings struct {
	Version int    `json:"version"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type StreamSettings struct {
	Network             string               `json:"network,omitempty"`
	Security            string               `json:"security,omitempty"`
	TLSSettings         *TLSSettings         `json:"tlsSettings,omitempty"`
	RealitySettings     *RealitySettings     `json:"realitySettings,omitempty"`
	WSSettings          *WSSettings          `json:"wsSettings,omitempty"`
	GRPCSettings        *GRPCSettings        `json:"grpcSettings,omitempty"`
	HTTPSettings        *HTTPSettings        `json:"httpSettings,omitempty"`
	HTTPUpgradeSettings *HTTPUpgradeSettings `json:"httpupgradeSettings,omitempty"`
	TCPSettings         *TCPSettings         `json:"tcpSettings,omitempty"`
	HysteriaSettings    *HysteriaSettings    `json:"hysteriaSettings,omitempty"`
}

type TLSSettings struct {
	ServerName    string   `json:"serverName,omitempty"`
	AllowInsecure bool     `json:"allowInsecure"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
	ALPN          []string `json:"alpn,omitempty"`
}

type RealitySettings struct {
	ServerName  string `json:"serverName,omitempty"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey"`
	ShortID     string `json:"shortId,omitempty"`
	SpiderX     string `json:"spiderX,omitempty"`
}

type WSSettings struct {
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type GRPCSettings struct {
	ServiceName string `json:"serviceName,omitempty"`
}

type HTTPSettings struct {
	Path string   `json:"path,omitempty"`
	Host []string `json:"host,omitempty"`
}

type HTTPUpgradeSettings struct {
	Path string `json:"path,omitempty"`
	Host string `json:"host,omitempty"`
}

type TCPSettings struct {
	Header struct {
		Type string `json:"type"`
	} `json:"header"`
}

// HysteriaSettings 携带 hysteria2 的认证密码
type HysteriaSettings struct {
	Version int    `json:"version"`
	Auth    string `json:"auth"`
}

// InboundPort returns the port of the single local listener.
func (c *LocalProxyConfig) InboundPort() int {
	if len(c.Inbounds) == 0 {
		return 0
	}
	return c.Inbounds[0].Port
}

// Marshal serializes the config the way it is written to the temp file.
func (c *LocalProxyConfig) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
