package scraper

import (
	"html"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractHTML 从 HTML 页面中提取分享链接。优先读取 <code>/<pre> 和消息正文，
// 最后回退到整页文本。
func ExtractHTML(r io.Reader) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	var links []string
	doc.Find("code, pre, .tgme_widget_message_text, textarea").Each(func(i int, s *goquery.Selection) {
		links = append(links, ExtractText(s.Text())...)
	})
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if m := linkPattern.FindString(href); m != "" {
			links = append(links, m)
		}
	})
	if len(links) == 0 {
		text := doc.Find("body").Text()
		links = linkPattern.FindAllString(html.UnescapeString(strings.TrimSpace(text)), -1)
	}
	return links, nil
}
