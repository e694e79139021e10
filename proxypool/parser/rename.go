package parser

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
)

// Rename 返回把备注替换为 remark 的链接。vmess 的备注写在 JSON 的 ps 字段里，
// 其它协议写在 # 之后。
func Rename(raw, remark string) string {
	raw = strings.TrimSpace(raw)
	if Scheme(raw) == "vmess" {
		if renamed, ok := renameVMess(raw, remark); ok {
			return renamed
		}
	}
	base := raw
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		base = raw[:i]
	}
	return base + "#" + url.PathEscape(remark)
}

func renameVMess(raw, remark string) (string, bool) {
	payload := raw[len("vmess://"):]
	if i := strings.IndexByte(payload, '#'); i >= 0 {
		payload = payload[:i]
	}
	data, err := decodeBase64(payload)
	if err != nil {
		return "", false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return "", false
	}
	m["ps"] = remark
	out, err := json.Marshal(m)
	if err != nil {
		return "", false
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(out), true
}
