package webmention

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"webstead/pkg/storage"
)

const maxExcerptLen = 500

type sourcePage struct {
	HasBacklink bool
	Kind        storage.WebmentionKind
	AuthorName  string
	AuthorURL   string
	AuthorPhoto string
	Excerpt     string
}

// parsePage inspects a fetched source document for a genuine backlink to
// target and extracts the mention kind, an author snapshot and a content
// excerpt. Backlink detection order: an anchor href, a rel link, a bare URL
// in text content. Comments are not element or text nodes in the parsed
// DOM, so links inside them never match.
func parsePage(body []byte, target string) (sourcePage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return sourcePage{}, err
	}

	page := sourcePage{Kind: storage.MentionGeneric}

	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if !urlMatchesTarget(href, target) {
			return true
		}
		page.HasBacklink = true
		if kind, ok := kindFromClass(sel.AttrOr("class", "")); ok {
			page.Kind = kind
			return false
		}
		return true
	})

	if !page.HasBacklink || page.Kind == storage.MentionGeneric {
		doc.Find("link[rel],a[rel]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			href, _ := sel.Attr("href")
			if !urlMatchesTarget(href, target) {
				return true
			}
			for _, rel := range strings.Fields(sel.AttrOr("rel", "")) {
				if rel == "in-reply-to" {
					page.HasBacklink = true
					page.Kind = storage.MentionReply
					return false
				}
			}
			return true
		})
	}

	// mf2 u-* properties override the anchor heuristic: the class carries
	// explicit interaction semantics.
	if kind, ok := mf2Kind(doc, target); ok {
		page.HasBacklink = true
		page.Kind = kind
	}

	if !page.HasBacklink && strings.Contains(doc.Text(), target) {
		page.HasBacklink = true
	}

	if !page.HasBacklink {
		return page, nil
	}

	page.AuthorName, page.AuthorURL, page.AuthorPhoto = extractAuthor(doc)
	page.Excerpt = extractExcerpt(doc)

	return page, nil
}

// mf2Kind maps u-like-of / u-repost-of / u-in-reply-to properties whose
// value matches the target onto the mention kind.
func mf2Kind(doc *goquery.Document, target string) (storage.WebmentionKind, bool) {
	checks := []struct {
		selector string
		kind     storage.WebmentionKind
	}{
		{".u-like-of", storage.MentionLike},
		{".u-repost-of", storage.MentionRepost},
		{".u-in-reply-to", storage.MentionReply},
	}

	for _, check := range checks {
		matched := false
		doc.Find(check.selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			value := sel.AttrOr("href", "")
			if value == "" {
				value = strings.TrimSpace(sel.Text())
			}
			if urlMatchesTarget(value, target) {
				matched = true
				return false
			}
			return true
		})
		if matched {
			return check.kind, true
		}
	}

	return storage.MentionGeneric, false
}

func kindFromClass(class string) (storage.WebmentionKind, bool) {
	for _, c := range strings.Fields(class) {
		switch c {
		case "u-like-of":
			return storage.MentionLike, true
		case "u-repost-of":
			return storage.MentionRepost, true
		case "u-in-reply-to":
			return storage.MentionReply, true
		}
	}
	return storage.MentionGeneric, false
}

// extractAuthor pulls the author snapshot from the page's mf2 author
// property, falling back to the page <title> and OG metadata. The snapshot
// is copied at verification time, never live-linked.
func extractAuthor(doc *goquery.Document) (name, authorURL, photo string) {
	author := doc.Find(".h-entry .p-author").First()
	if author.Length() == 0 {
		author = doc.Find(".p-author").First()
	}

	if author.Length() > 0 {
		if n := author.Find(".p-name").First(); n.Length() > 0 {
			name = strings.TrimSpace(n.Text())
		} else {
			name = strings.TrimSpace(author.Text())
		}
		if u := author.Find(".u-url").First(); u.Length() > 0 {
			authorURL = u.AttrOr("href", "")
		} else if author.Is("a") {
			authorURL = author.AttrOr("href", "")
		}
		if p := author.Find(".u-photo").First(); p.Length() > 0 {
			photo = p.AttrOr("src", "")
		}
	}

	if name == "" {
		name = strings.TrimSpace(doc.Find(`meta[property="og:site_name"]`).First().AttrOr("content", ""))
	}
	if name == "" {
		name = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if authorURL == "" {
		authorURL = strings.TrimSpace(doc.Find(`meta[property="og:url"]`).First().AttrOr("content", ""))
	}
	if photo == "" {
		photo = strings.TrimSpace(doc.Find(`meta[property="og:image"]`).First().AttrOr("content", ""))
	}

	return name, authorURL, photo
}

func extractExcerpt(doc *goquery.Document) string {
	candidates := []string{".h-entry .e-content", ".h-entry .p-summary", ".e-content", "article"}
	for _, selector := range candidates {
		if text := strings.TrimSpace(doc.Find(selector).First().Text()); text != "" {
			return truncate(collapseWhitespace(text), maxExcerptLen)
		}
	}
	if desc := doc.Find(`meta[property="og:description"]`).First().AttrOr("content", ""); desc != "" {
		return truncate(collapseWhitespace(desc), maxExcerptLen)
	}
	return ""
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes-1]) + "…"
}

// urlMatchesTarget compares a candidate href with the target, tolerating a
// trailing-slash difference only.
func urlMatchesTarget(href, target string) bool {
	if href == "" {
		return false
	}
	return strings.TrimSuffix(href, "/") == strings.TrimSuffix(target, "/")
}
