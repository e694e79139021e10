package model

import (
	"net"
	"strconv"
)

// Protocol 是描述符支持的代理协议标签，集合是封闭的。
type Protocol string

const (
	ProtoVLESS       Protocol = "vless"
	ProtoVMess       Protocol = "vmess"
	ProtoShadowsocks Protocol = "shadowsocks"
	ProtoTrojan      Protocol = "trojan"
	ProtoHysteria2   Protocol = "hysteria2"
)

// SupportedProtocols lists every protocol the config builder can emit an outbound for.
var SupportedProtocols = []Protocol{ProtoVLESS, ProtoVMess, ProtoShadowsocks, ProtoTrojan, ProtoHysteria2}

// IsSupported reports whether p belongs to the closed protocol set.
func (p Protocol) IsSupported() bool {
	for _, sp := range SupportedProtocols {
		if p == sp {
			return true
		}
	}
	return false
}

// Credentials 是协议相关的认证材料。核心逻辑不解释其内容，
// 只有 config builder 通过类型分支读取。
type Credentials interface {
	protocol() Protocol
}

type VLESSAuth struct {
	UUID       string `json:"uuid"`
	Flow       string `json:"flow,omitempty"`
	Encryption string `json:"encryption,omitempty"`
}

type VMessAuth struct {
	UUID     string `json:"uuid"`
	AlterID  int    `json:"alterId"`
	Security string `json:"security,omitempty"` // cipher, "auto" by default
}

type ShadowsocksAuth struct {
	Method   string `json:"method"`
	Password string `json:"password"`
}

type TrojanAuth struct {
	Password string `json:"password"`
}

type Hysteria2Auth struct {
	Password     string `json:"password"`
	Obfs         string `json:"obfs,omitempty"`
	ObfsPassword string `json:"obfsPassword,omitempty"`
}

func (VLESSAuth) protocol() Protocol       { return ProtoVLESS }
func (VMessAuth) protocol() Protocol       { return ProtoVMess }
func (ShadowsocksAuth) protocol() Protocol { return ProtoShadowsocks }
func (TrojanAuth) protocol() Protocol      { return ProtoTrojan }
func (Hysteria2Auth) protocol() Protocol   { return ProtoHysteria2 }

// Transport 描述了出站连接的传输层与安全层参数。
type Transport struct {
	Network     string   `json:"network,omitempty"`  // tcp, ws, grpc, h2, httpupgrade
	Security    string   `json:"security,omitempty"` // none, tls, reality
	SNI         string   `json:"sni,omitempty"`
	Host        string   `json:"host,omitempty"` // Host header for ws/h2/httpupgrade
	Path        string   `json:"path,omitempty"`
	ServiceName string   `json:"serviceName,omitempty"` // gRPC
	Fingerprint string   `json:"fingerprint,omitempty"`
	ALPN        []string `json:"alpn,omitempty"`
	PublicKey   string   `json:"publicKey,omitempty"` // REALITY
	ShortID     string   `json:"shortId,omitempty"`   // REALITY
	SpiderX     string   `json:"spiderX,omitempty"`   // REALITY
	HeaderType  string   `json:"headerType,omitempty"`
	Insecure    bool     `json:"insecure,omitempty"`
}

// ProxyDescriptor 是解析后的单个代理服务器定义。解析完成后不可修改，
// 引擎只以只读方式使用它。
type ProxyDescriptor struct {
	URI         string      `json:"uri"`
	Protocol    Protocol    `json:"protocol"`
	Host        string      `json:"host"`
	Port        int         `json:"port"`
	Credentials Credentials `json:"-"`
	Transport   Transport   `json:"transport"`
	Remark      string      `json:"remarks"`
}

// Address returns the "host:port" form of the target server.
func (d *ProxyDescriptor) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}
