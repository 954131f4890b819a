// Package extractor turns fetched HTML into page records and outbound links.
package extractor

import (
	"bytes"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

const (
	maxTitleChars  = 512
	maxTextBytes   = 1 << 20
	maxBodyBytes   = 5 << 20
	contextRadius  = 64
	strippedBlocks = "script, style, nav, footer, noscript, iframe"
)

// Extractor parses response bodies with goquery.
type Extractor struct {
	hasher crawler.Hasher
}

// New builds an Extractor.
func New(hasher crawler.Hasher) *Extractor {
	return &Extractor{hasher: hasher}
}

// Extract parses body into a Page plus its outbound links. Non-HTML content
// yields a page with empty text and no links. A returned *crawler.ExtractError
// means the page should still be stored (empty text, links skipped) and the
// URL counted as a success.
func (e *Extractor) Extract(finalURL string, body []byte, contentType string) (crawler.Page, []crawler.Link, error) {
	page := crawler.Page{
		URL:      finalURL,
		HTMLSize: len(body),
	}

	if !isHTML(contentType) {
		page.ContentHash, _ = e.hasher.Hash(nil)
		return page, nil, nil
	}
	if len(body) > maxBodyBytes {
		page.ContentHash, _ = e.hasher.Hash(nil)
		return page, nil, &crawler.ExtractError{
			URL: finalURL,
			Err: fmt.Errorf("body %d bytes exceeds limit %d", len(body), maxBodyBytes),
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		page.ContentHash, _ = e.hasher.Hash(nil)
		return page, nil, &crawler.ExtractError{URL: finalURL, Err: fmt.Errorf("parse html: %w", err)}
	}

	page.Title = extractTitle(doc)

	// Anchors are collected before boilerplate removal: a link in a footer is
	// still an edge in the graph, even though the footer text is not stored.
	anchors := collectAnchors(doc)

	doc.Find(strippedBlocks).Remove()
	cleaned := collapseWhitespace(doc.Text())
	if len(cleaned) > maxTextBytes {
		cleaned = truncateUTF8(cleaned, maxTextBytes)
	}
	page.CleanedText = cleaned
	page.WordCount = len(strings.Fields(cleaned))

	hash, err := e.hasher.Hash([]byte(cleaned))
	if err != nil {
		return page, nil, &crawler.ExtractError{URL: finalURL, Err: fmt.Errorf("hash text: %w", err)}
	}
	page.ContentHash = hash

	links := buildLinks(anchors, finalURL, cleaned)
	return page, links, nil
}

type rawAnchor struct {
	href     string
	text     string
	nofollow bool
}

func collectAnchors(doc *goquery.Document) []rawAnchor {
	var anchors []rawAnchor
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		anchors = append(anchors, rawAnchor{
			href:     strings.TrimSpace(href),
			text:     collapseWhitespace(sel.Text()),
			nofollow: isNofollow(sel),
		})
	})
	return anchors
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return true
	}
	return false
}

func extractTitle(doc *goquery.Document) string {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	title = collapseWhitespace(title)
	if runes := []rune(title); len(runes) > maxTitleChars {
		title = string(runes[:maxTitleChars])
	}
	return title
}

func buildLinks(anchors []rawAnchor, finalURL, cleanedText string) []crawler.Link {
	base, err := url.Parse(finalURL)
	if err != nil {
		return nil
	}

	var links []crawler.Link
	for _, a := range anchors {
		ref, err := url.Parse(a.href)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			continue
		}
		resolved.Fragment = ""
		target, err := crawler.NormalizeURL(resolved.String())
		if err != nil {
			continue
		}

		links = append(links, crawler.Link{
			SourceURL:  finalURL,
			TargetURL:  target,
			AnchorText: a.text,
			Context:    surroundingContext(cleanedText, a.text),
			IsNofollow: a.nofollow,
		})
	}
	return links
}

func isNofollow(sel *goquery.Selection) bool {
	rel, ok := sel.Attr("rel")
	if !ok {
		return false
	}
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		switch token {
		case "nofollow", "ugc", "sponsored":
			return true
		}
	}
	return false
}

// surroundingContext returns up to contextRadius characters on each side of
// the anchor's first occurrence in the cleaned text.
func surroundingContext(cleanedText, anchor string) string {
	if anchor == "" || cleanedText == "" {
		return ""
	}
	idx := strings.Index(cleanedText, anchor)
	if idx < 0 {
		return ""
	}
	before := []rune(cleanedText[:idx])
	after := []rune(cleanedText[idx+len(anchor):])
	if len(before) > contextRadius {
		before = before[len(before)-contextRadius:]
	}
	if len(after) > contextRadius {
		after = after[:contextRadius]
	}
	return string(before) + anchor + string(after)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}
