package collyfetcher

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extractPage returns the document title and the absolute http(s) links in
// document order. Non-HTML bodies yield no links.
func extractPage(base *url.URL, contentType string, body []byte) (string, []string) {
	if !isHTML(contentType, body) {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", nil
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok && base != nil {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if abs, ok := resolveLink(base, href); ok {
			links = append(links, abs)
		}
	})
	return title, links
}

func resolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

func isHTML(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if ct == "" {
		trimmed := bytes.TrimSpace(body)
		return bytes.HasPrefix(trimmed, []byte("<"))
	}
	return strings.Contains(ct, "html") || strings.Contains(ct, "xml")
}
