package engineconf

import (
	"fmt"
	"strings"

	"liuproxy_validator/proxypool/model"
)

const (
	InboundSOCKS = "socks"
	InboundHTTP  = "http"

	hysteriaProtocol = "hysteria"

	inboundTag  = "probe-in"
	outboundTag = "proxy"
)

// Builder 把描述符映射为引擎配置。它是纯函数式的，可被多个任务并发使用。
type Builder struct {
	Inbound  string // InboundSOCKS (default) or InboundHTTP
	LogLevel string
}

// NewBuilder returns a Builder producing the given inbound kind.
func NewBuilder(inbound string) *Builder {
	if inbound == "" {
		inbound = InboundSOCKS
	}
	return &Builder{Inbound: inbound, LogLevel: "warning"}
}

// Check runs the descriptor-level validation only. The orchestrator calls it before
// leasing a port so that bad descriptors never consume a lease.
func (b *Builder) Check(d *model.ProxyDescriptor) error {
	_, err := b.outbound(d)
	return err
}

// Build returns the configuration for d listening on port.
func (b *Builder) Build(d *model.ProxyDescriptor, port int) (*LocalProxyConfig, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid inbound port %d", port)
	}
	out, err := b.outbound(d)
	if err != nil {
		return nil, err
	}

	in := Inbound{
		Tag:      inboundTag,
		Listen:   "127.0.0.1",
		Port:     port,
		Protocol: b.Inbound,
	}
	if b.Inbound == InboundSOCKS {
		in.Settings.Auth = "noauth"
	}

	return &LocalProxyConfig{
		Log:       LogConfig{LogLevel: b.LogLevel},
		Inbounds:  []Inbound{in},
		Outbounds: []Outbound{*out},
	}, nil
}

func (b *Builder) outbound(d *model.ProxyDescriptor) (*Outbound, error) {
	if d == nil {
		return nil, fmt.Errorf("nil descriptor: %w", model.ErrMalformedDescriptor)
	}
	if !d.Protocol.IsSupported() {
		return nil, fmt.Errorf("%q: %w", d.Protocol, model.ErrUnsupportedProtocol)
	}
	if d.Host == "" {
		return nil, malformed(d, "missing server host")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return nil, malformed(d, fmt.Sprintf("invalid server port %d", d.Port))
	}

	out := &Outbound{Tag: outboundTag, Protocol: string(d.Protocol)}

	switch c := d.Credentials.(type) {
	case model.VLESSAuth:
		if d.Protocol != model.ProtoVLESS {
			return nil, mismatch(d, c)
		}
		if c.UUID == "" {
			return nil, malformed(d, "missing uuid")
		}
		enc := c.Encryption
		if enc == "" {
			enc = "none"
		}
		out.Settings = vnextSettings{Vnext: []vnextServer{{
			Address: d.Host,
			Port:    d.Port,
			Users:   []user{{ID: c.UUID, Flow: c.Flow, Encryption: enc}},
		}}}
	case model.VMessAuth:
		if d.Protocol != model.ProtoVMess {
			return nil, mismatch(d, c)
		}
		if c.UUID == "" {
			return nil, malformed(d, "missing uuid")
		}
		alterID := c.AlterID
		security := c.Security
		if security == "" {
			security = "auto"
		}
		out.Settings = vnextSettings{Vnext: []vnextServer{{
			Address: d.Host,
			Port:    d.Port,
			Users:   []user{{ID: c.UUID, AlterID: &alterID, Security: security}},
		}}}
	case model.ShadowsocksAuth:
		if d.Protocol != model.ProtoShadowsocks {
			return nil, mismatch(d, c)
		}
		if c.Method == "" || c.Password == "" {
			return nil, malformed(d, "missing method or password")
		}
		out.Settings = serversSettings{Servers: []server{{
			Address: d.Host, Port: d.Port, Method: c.Method, Password: c.Password,
		}}}
	case model.TrojanAuth:
		if d.Protocol != model.ProtoTrojan {
			return nil, mismatch(d, c)
		}
		if c.Password == "" {
			return nil, malformed(d, "missing password")
		}
		out.Settings = serversSettings{Servers: []server{{
			Address: d.Host, Port: d.Port, Password: c.Password,
		}}}
	case model.Hysteria2Auth:
		if d.Protocol != model.ProtoHysteria2 {
			return nil, mismatch(d, c)
		}
		if c.Password == "" {
			return nil, malformed(d, "missing auth password")
		}
		// xray 的 hysteria 出站：地址在 settings，密码在 hysteriaSettings.auth
		out.Protocol = hysteriaProtocol
		out.Settings = hysteriaOutboundSettings{Version: 2, Address: d.Host, Port: d.Port}
	case nil:
		return nil, malformed(d, "missing credentials")
	default:
		return nil, fmt.Errorf("credentials %T: %w", c, model.ErrUnsupportedProtocol)
	}

	ss, err := streamSettings(d)
	if err != nil {
		return nil, err
	}
	out.StreamSettings = ss
	return out, nil
}

func streamSettings(d *model.ProxyDescriptor) (*StreamSettings, error) {
	t := d.Transport
	network := strings.ToLower(t.Network)
	if network == "" || network == "raw" {
		network = "tcp"
	}
	security := strings.ToLower(t.Security)
	if security == "" {
		security = "none"
	}

	// Trojan 与 Hysteria2 总是基于 TLS
	if (d.Protocol == model.ProtoTrojan || d.Protocol == model.ProtoHysteria2) && security == "none" {
		security = "tls"
	}

	ss := &StreamSettings{Network: network}
	if d.Protocol == model.ProtoHysteria2 {
		ss.Network = "hysteria"
		hs := &HysteriaSettings{Version: 2}
		if c, ok := d.Credentials.(model.Hysteria2Auth); ok {
			hs.Auth = c.Password
		}
		ss.HysteriaSettings = hs
	} else {
		switch network {
		case "tcp":
			if t.HeaderType == "http" {
				ts := &TCPSettings{}
				ts.Header.Type = "http"
				ss.TCPSettings = ts
			}
		case "ws":
			ws := &WSSettings{Path: orDefault(t.Path, "/")}
			if t.Host != "" {
				ws.Headers = map[string]string{"Host": t.Host}
			}
			ss.WSSettings = ws
		case "grpc":
			ss.GRPCSettings = &GRPCSettings{ServiceName: t.ServiceName}
		case "h2", "http":
			ss.Network = "http"
			hs := &HTTPSettings{Path: orDefault(t.Path, "/")}
			if t.Host != "" {
				hs.Host = []string{t.Host}
			}
			ss.HTTPSettings = hs
		case "httpupgrade":
			ss.HTTPUpgradeSettings = &HTTPUpgradeSettings{Path: orDefault(t.Path, "/"), Host: t.Host}
		default:
			return nil, malformed(d, fmt.Sprintf("unknown transport %q", network))
		}
	}

	sni := t.SNI
	if sni == "" {
		sni = t.Host
	}
	if sni == "" {
		sni = d.Host
	}

	switch security {
	case "none":
	case "tls", "xtls":
		ss.Security = "tls"
		ss.TLSSettings = &TLSSettings{
			ServerName:    sni,
			AllowInsecure: true,
			Fingerprint:   t.Fingerprint,
			ALPN:          t.ALPN,
		}
	case "reality":
		if d.Protocol != model.ProtoVLESS {
			return nil, malformed(d, "reality is only valid for vless")
		}
		if t.PublicKey == "" {
			return nil, malformed(d, "reality: missing public key")
		}
		ss.Security = "reality"
		ss.RealitySettings = &RealitySettings{
			ServerName:  sni,
			Fingerprint: orDefault(t.Fingerprint, "chrome"),
			PublicKey:   t.PublicKey,
			ShortID:     t.ShortID,
			SpiderX:     t.SpiderX,
		}
	default:
		return nil, malformed(d, fmt.Sprintf("unknown security %q", security))
	}
	return ss, nil
}

func malformed(d *model.ProxyDescriptor, reason string) error {
	return fmt.Errorf("%s %s: %s: %w", d.Protocol, d.Address(), reason, model.ErrMalformedDescriptor)
}

func mismatch(d *model.ProxyDescriptor, c model.Credentials) error {
	return malformed(d, fmt.Sprintf("credentials %T do not match protocol", c))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
