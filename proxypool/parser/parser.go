// Package parser turns share URIs (vless://, vmess://, ss://, trojan://, hy2://) into
// immutable model.ProxyDescriptor values.
package parser

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"liuproxy_validator/proxypool/model"
)

var (
	// ErrUnsupportedScheme 包装 model.ErrUnsupportedProtocol，KindOf 会识别它。
	ErrUnsupportedScheme = fmt.Errorf("unsupported uri scheme: %w", model.ErrUnsupportedProtocol)
	// ErrMalformedURI wraps model.ErrMalformedDescriptor.
	ErrMalformedURI = fmt.Errorf("malformed uri: %w", model.ErrMalformedDescriptor)
)

var schemes = map[string]model.Protocol{
	"vless":     model.ProtoVLESS,
	"vmess":     model.ProtoVMess,
	"ss":        model.ProtoShadowsocks,
	"trojan":    model.ProtoTrojan,
	"hy2":       model.ProtoHysteria2,
	"hysteria2": model.ProtoHysteria2,
}

// Scheme returns the lower-cased scheme of raw, or "" if there is none.
func Scheme(raw string) string {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(raw[:i]))
}

// IsSupported reports whether raw starts with a scheme Parse understands.
func IsSupported(raw string) bool {
	_, ok := schemes[Scheme(raw)]
	return ok
}

// Parse parses a single share URI.
func Parse(raw string) (*model.ProxyDescriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty line: %w", ErrMalformedURI)
	}
	scheme := Scheme(raw)
	proto, ok := schemes[scheme]
	if !ok {
		if scheme == "" {
			return nil, fmt.Errorf("missing scheme: %w", ErrMalformedURI)
		}
		return nil, fmt.Errorf("%q: %w", scheme, ErrUnsupportedScheme)
	}

	var (
		d   *model.ProxyDescriptor
		err error
	)
	switch proto {
	case model.ProtoVLESS:
		d, err = parseVLESS(raw)
	case model.ProtoVMess:
		d, err = parseVMess(raw)
	case model.ProtoShadowsocks:
		d, err = parseShadowsocks(raw)
	case model.ProtoTrojan:
		d, err = parseTrojan(raw)
	case model.ProtoHysteria2:
		d, err = parseHysteria2(raw)
	}
	if err != nil {
		return nil, err
	}
	d.URI = raw
	d.Protocol = proto
	return d, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrMalformedURI)
}

// parseURL parses the standard "scheme://userinfo@host:port?query#fragment" layout.
func parseURL(raw string) (*url.URL, string, int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", 0, malformed("%v", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, "", 0, malformed("missing host")
	}
	port, err := parsePort(u.Port())
	if err != nil {
		return nil, "", 0, err
	}
	return u, host, port, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, malformed("invalid port %q", s)
	}
	return p, nil
}

// maxFreeFormID 是 xray 接受的非 UUID 用户 id 的最大长度，引擎用 UUIDv5 映射这类 id。
const maxFreeFormID = 30

func parseUUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if id, err := uuid.Parse(s); err == nil {
		return id.String(), nil
	}
	if s == "" || len(s) > maxFreeFormID {
		return "", malformed("invalid user id %q", s)
	}
	return s, nil
}

// transportFromQuery reads the query keys shared by vless, trojan and hy2 links.
func transportFromQuery(q url.Values) model.Transport {
	t := model.Transport{
		Network:     strings.ToLower(q.Get("type")),
		Security:    strings.ToLower(q.Get("security")),
		SNI:         firstOf(q.Get("sni"), q.Get("peer")),
		Host:        q.Get("host"),
		Path:        q.Get("path"),
		ServiceName: q.Get("serviceName"),
		Fingerprint: q.Get("fp"),
		PublicKey:   q.Get("pbk"),
		ShortID:     q.Get("sid"),
		SpiderX:     q.Get("spx"),
		HeaderType:  q.Get("headerType"),
		Insecure:    isTrue(q.Get("allowInsecure")) || isTrue(q.Get("insecure")),
	}
	if alpn := q.Get("alpn"); alpn != "" {
		t.ALPN = splitList(alpn)
	}
	if t.Network == "http" {
		t.Network = "h2"
	}
	return t
}

func parseVLESS(raw string) (*model.ProxyDescriptor, error) {
	u, host, port, err := parseURL(raw)
	if err != nil {
		return nil, err
	}
	if u.User == nil {
		return nil, malformed("vless: missing uuid")
	}
	id, err := parseUUID(u.User.Username())
	if err != nil {
		return nil, err
	}
	q := u.Query()
	return &model.ProxyDescriptor{
		Host: host,
		Port: port,
		Credentials: model.VLESSAuth{
			UUID:       id,
			Flow:       q.Get("flow"),
			Encryption: firstOf(q.Get("encryption"), "none"),
		},
		Transport: transportFromQuery(q),
		Remark:    u.Fragment,
	}, nil
}

func parseTrojan(raw string) (*model.ProxyDescriptor, error) {
	u, host, port, err := parseURL(raw)
	if err != nil {
		return nil, err
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, malformed("trojan: missing password")
	}
	t := transportFromQuery(u.Query())
	if t.Security == "" {
		t.Security = "tls"
	}
	return &model.ProxyDescriptor{
		Host:        host,
		Port:        port,
		Credentials: model.TrojanAuth{Password: u.User.Username()},
		Transport:   t,
		Remark:      u.Fragment,
	}, nil
}

func parseHysteria2(raw string) (*model.ProxyDescriptor, error) {
	u, host, port, err := parseURL(raw)
	if err != nil {
		return nil, err
	}
	if u.User == nil {
		return nil, malformed("hysteria2: missing auth")
	}
	// "user:pass" 形式的认证在 hy2 中整体作为密码
	password := u.User.Username()
	if p, ok := u.User.Password(); ok {
		password += ":" + p
	}
	if password == "" {
		return nil, malformed("hysteria2: missing auth")
	}
	q := u.Query()
	t := transportFromQuery(q)
	t.Security = "tls"
	return &model.ProxyDescriptor{
		Host: host,
		Port: port,
		Credentials: model.Hysteria2Auth{
			Password:     password,
			Obfs:         q.Get("obfs"),
			ObfsPassword: q.Get("obfs-password"),
		},
		Transport: t,
		Remark:    u.Fragment,
	}, nil
}

// vmessLink is the v2rayN JSON payload. Port and aid appear both as numbers and strings.
type vmessLink struct {
	PS       string      `json:"ps"`
	Add      string      `json:"add"`
	Port     json.Number `json:"port"`
	ID       string      `json:"id"`
	Aid      json.Number `json:"aid"`
	Scy      string      `json:"scy"`
	Net      string      `json:"net"`
	Type     string      `json:"type"`
	Host     string      `json:"host"`
	Path     string      `json:"path"`
	TLS      string      `json:"tls"`
	SNI      string      `json:"sni"`
	ALPN     string      `json:"alpn"`
	FP       string      `json:"fp"`
	Insecure json.Number `json:"allowInsecure"`
}

func parseVMess(raw string) (*model.ProxyDescriptor, error) {
	payload := raw[len("vmess://"):]
	if i := strings.IndexByte(payload, '#'); i >= 0 {
		payload = payload[:i]
	}
	data, err := decodeBase64(payload)
	if err != nil {
		return nil, malformed("vmess: %v", err)
	}

	var link vmessLink
	dec := json.NewDecoder(strings.NewReader(normalizeVMessNumbers(string(data))))
	dec.UseNumber()
	if err := dec.Decode(&link); err != nil {
		return nil, malformed("vmess: invalid json: %v", err)
	}
	if link.Add == "" {
		return nil, malformed("vmess: missing address")
	}
	port, err := parsePort(link.Port.String())
	if err != nil {
		return nil, err
	}
	id, err := parseUUID(link.ID)
	if err != nil {
		return nil, err
	}
	aid := 0
	if s := link.Aid.String(); s != "" {
		if aid, err = strconv.Atoi(s); err != nil || aid < 0 {
			return nil, malformed("vmess: invalid aid %q", s)
		}
	}

	t := model.Transport{
		Network:     strings.ToLower(link.Net),
		Security:    strings.ToLower(link.TLS),
		SNI:         link.SNI,
		Host:        link.Host,
		Path:        link.Path,
		Fingerprint: link.FP,
		HeaderType:  link.Type,
		Insecure:    isTrue(link.Insecure.String()),
	}
	if t.Network == "grpc" {
		t.ServiceName = link.Path
		t.Path = ""
	}
	if t.Network == "http" {
		t.Network = "h2"
	}
	if link.ALPN != "" {
		t.ALPN = splitList(link.ALPN)
	}
	return &model.ProxyDescriptor{
		Host: link.Add,
		Port: port,
		Credentials: model.VMessAuth{
			UUID:     id,
			AlterID:  aid,
			Security: firstOf(link.Scy, "auto"),
		},
		Transport: t,
		Remark:    link.PS,
	}, nil
}

// normalizeVMessNumbers lets json.Number accept quoted values such as "port": "443".
func normalizeVMessNumbers(s string) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return s
	}
	for _, k := range []string{"port", "aid", "allowInsecure"} {
		switch v := m[k].(type) {
		case string:
			if v == "" {
				delete(m, k)
			} else if _, err := strconv.Atoi(v); err == nil {
				m[k] = json.Number(v)
			} else if isTrue(v) {
				m[k] = json.Number("1")
			} else {
				m[k] = json.Number("-1")
			}
		case bool:
			if v {
				m[k] = json.Number("1")
			} else {
				m[k] = json.Number("0")
			}
		}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return s
	}
	return string(out)
}

// parseShadowsocks accepts SIP002 (ss://base64(method:pass)@host:port) and the legacy
// form ss://base64(method:pass@host:port).
func parseShadowsocks(raw string) (*model.ProxyDescriptor, error) {
	body := raw[len("ss://"):]
	remark := ""
	if i := strings.IndexByte(body, '#'); i >= 0 {
		remark, _ = url.PathUnescape(body[i+1:])
		body = body[:i]
	}
	if i := strings.IndexByte(body, '?'); i >= 0 {
		body = body[:i] // plugin 参数忽略
	}
	body = strings.TrimSuffix(body, "/")

	var userinfo, hostport string
	if at := strings.LastIndexByte(body, '@'); at >= 0 {
		userinfo, hostport = body[:at], body[at+1:]
		if dec, err := decodeBase64(userinfo); err == nil && strings.Contains(string(dec), ":") {
			userinfo = string(dec)
		} else if unesc, err := url.PathUnescape(userinfo); err == nil {
			userinfo = unesc
		}
	} else {
		dec, err := decodeBase64(body)
		if err != nil {
			return nil, malformed("ss: %v", err)
		}
		at := strings.LastIndexByte(string(dec), '@')
		if at < 0 {
			return nil, malformed("ss: missing server address")
		}
		userinfo, hostport = string(dec[:at]), string(dec[at+1:])
	}

	method, password, ok := strings.Cut(userinfo, ":")
	if !ok || method == "" || password == "" {
		return nil, malformed("ss: invalid method:password")
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil || host == "" {
		return nil, malformed("ss: invalid server address %q", hostport)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return nil, err
	}
	return &model.ProxyDescriptor{
		Host: host,
		Port: port,
		Credentials: model.ShadowsocksAuth{
			Method:   strings.ToLower(method),
			Password: password,
		},
		Remark: remark,
	}, nil
}

// decodeBase64 tolerates the std/url alphabets with or without padding.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty base64 payload")
	}
	s = strings.TrimRight(s, "=")
	if data, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// DecodeBase64 is exported for subscription bodies.
func DecodeBase64(s string) ([]byte, error) {
	return decodeBase64(strings.Join(strings.Fields(s), ""))
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
