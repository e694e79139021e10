package scraper

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"liuproxy_validator/internal/shared/logger"
	"liuproxy_validator/proxypool/parser"
)

const maxBodySize = 16 << 20

// Scraper 从一个订阅源抓取分享链接。
// 实现者只负责抓取和初步提取，不做验证。
type Scraper interface {
	Scrape(ctx context.Context) ([]string, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}

// linkPattern matches share links embedded in free text or HTML.
var linkPattern = regexp.MustCompile(`(?i)(?:vless|vmess|ss|trojan|hy2|hysteria2)://[^\s<>"'` + "`" + `]+`)

// Subscription 抓取一个订阅地址。响应体可以是 base64 编码的链接列表、明文列表，
// 或者包含链接的 HTML 页面（例如频道的网页预览）。
type Subscription struct {
	url    string
	client *http.Client
}

// NewSubscription returns a Scraper for sourceURL. client may be nil.
func NewSubscription(sourceURL string, client *http.Client) (Scraper, error) {
	u, err := url.Parse(sourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid subscription url %q", sourceURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Subscription{url: sourceURL, client: client}, nil
}

func (s *Subscription) Name() string {
	return s.url
}

func (s *Subscription) Scrape(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Fetching subscription...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status code %d", s.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.url, err)
	}

	var links []string
	if isHTML(resp.Header.Get("Content-Type"), body) {
		links, err = ExtractHTML(strings.NewReader(string(body)))
		if err != nil {
			return nil, fmt.Errorf("parse html from %s: %w", s.url, err)
		}
	} else {
		links = ExtractText(string(body))
	}

	l.Info().Str("source", s.Name()).Int("count", len(links)).Msg("Subscription fetched.")
	return links, nil
}

// ExtractText 提取明文或 base64 正文中的链接。
func ExtractText(body string) []string {
	body = strings.TrimSpace(body)
	if !strings.Contains(body, "://") {
		if dec, err := parser.DecodeBase64(body); err == nil {
			body = string(dec)
		}
	}
	var links []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if parser.IsSupported(line) {
			links = append(links, line)
			continue
		}
		// 行内可能夹带其它文本
		links = append(links, linkPattern.FindAllString(line, -1)...)
	}
	return links
}

func isHTML(contentType string, body []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt == "text/html"
	}
	return http.DetectContentType(body) == "text/html; charset=utf-8"
}

// Dedupe 按身份去重：忽略 # 之后的备注，保持首次出现的顺序。
func Dedupe(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, link := range links {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		key := Identity(link)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, link)
	}
	return out
}

// Identity returns the link without its remark. vmess links keep their whole payload,
// the remark lives inside the encoded JSON there.
func Identity(link string) string {
	if i := strings.IndexByte(link, '#'); i >= 0 {
		return link[:i]
	}
	return link
}
