package harvest

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Anchor is a hyperlink found on a page.
type Anchor struct {
	URL  string
	Text string
}

// ExtractAnchors returns every <a href> on page resolved against pageURL,
// in document order. Non-HTTP schemes and same-page fragments are skipped.
func ExtractAnchors(page []byte, pageURL string) []Anchor {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var (
		out     []Anchor
		current *Anchor
		text    strings.Builder
	)
	z := html.NewTokenizer(bytes.NewReader(page))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if current != nil {
				current.Text = collapseSpace(text.String())
				out = append(out, *current)
			}
			return out
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" {
				continue
			}
			if current != nil {
				current.Text = collapseSpace(text.String())
				out = append(out, *current)
				current = nil
			}
			text.Reset()
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) != "href" {
					continue
				}
				if resolved, ok := resolveHref(base, string(val)); ok {
					current = &Anchor{URL: resolved}
				}
			}
		case html.TextToken:
			if current != nil {
				text.Write(z.Text())
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "a" && current != nil {
				current.Text = collapseSpace(text.String())
				out = append(out, *current)
				current = nil
			}
		}
	}
}

func resolveHref(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
