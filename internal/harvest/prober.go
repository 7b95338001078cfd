package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"spend-enrichment-pipeline/internal/linkscore"
	"spend-enrichment-pipeline/internal/transparency"
)

// ErrNoPages is returned when none of the candidate pages could be read.
var ErrNoPages = errors.New("no candidate pages reachable")

// Discovery is the outcome of probing one organization's site.
type Discovery struct {
	PagesTried   int
	PagesFetched int
	// Links are ranked best first; each carries the page it was found on.
	Links []DiscoveredLink
}

// DiscoveredLink is a scored link plus the page it appeared on.
type DiscoveredLink struct {
	linkscore.ScoredLink
	SourcePage string
}

// TransparencyProber probes the registry's candidate pages for an org type
// and scores every link found on them.
type TransparencyProber struct {
	fetcher      *Fetcher
	probeTimeout time.Duration
	fetchTimeout time.Duration
	topN         int
}

// NewTransparencyProber builds a prober that keeps the topN best links.
func NewTransparencyProber(f *Fetcher, probeTimeout, fetchTimeout time.Duration, topN int) *TransparencyProber {
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &TransparencyProber{fetcher: f, probeTimeout: probeTimeout, fetchTimeout: fetchTimeout, topN: topN}
}

func (p *TransparencyProber) Name() string { return "transparency" }

// TestConnection checks that the site root answers, trying HEAD before GET.
func (p *TransparencyProber) TestConnection(ctx context.Context, siteURL string) bool {
	root, err := siteRoot(siteURL)
	if err != nil {
		return false
	}
	_, err = p.fetcher.Head(ctx, root, p.probeTimeout)
	if err == nil {
		return true
	}
	// Some servers refuse or mishandle HEAD; a status reply means the host
	// is up, so confirm with GET. Transport errors end the check.
	var se *StatusError
	if !errors.As(err, &se) {
		zap.L().Debug("transparency: connection check failed", zap.String("site", siteURL), zap.Error(err))
		return false
	}
	if _, _, err := p.fetcher.Get(ctx, root, p.probeTimeout); err != nil {
		zap.L().Debug("transparency: connection check failed", zap.String("site", siteURL), zap.Error(err))
		return false
	}
	return true
}

// Discover fetches the candidate pages for orgType on siteURL. When the
// registry has nothing for orgType the site home page is scanned instead.
func (p *TransparencyProber) Discover(ctx context.Context, siteURL, orgType string) (Discovery, error) {
	pages, err := transparency.CandidateURLs(siteURL, orgType)
	if err != nil {
		return Discovery{}, fmt.Errorf("candidate urls: %w", err)
	}
	if len(pages) == 0 {
		root, err := siteRoot(siteURL)
		if err != nil {
			return Discovery{}, err
		}
		pages = []string{root}
	}

	var (
		result Discovery
		scored []*linkscore.ScoredLink
		source = make(map[string]string)
	)
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.PagesTried++
		body, contentType, err := p.fetcher.Get(ctx, page, p.fetchTimeout)
		if err != nil {
			zap.L().Debug("transparency: candidate page unavailable", zap.String("page", page), zap.Error(err))
			continue
		}
		result.PagesFetched++

		// A candidate path may itself be a data file.
		if !isHTML(contentType) {
			if l := linkscore.ScoreLink(page, ""); l != nil {
				if _, seen := source[l.URL]; !seen {
					source[l.URL] = page
					scored = append(scored, l)
				}
			}
			continue
		}
		for _, a := range ExtractAnchors(body, page) {
			l := linkscore.ScoreLink(a.URL, a.Text)
			if l == nil {
				continue
			}
			if _, seen := source[l.URL]; seen {
				continue
			}
			source[l.URL] = page
			scored = append(scored, l)
		}
	}
	if result.PagesFetched == 0 {
		return result, ErrNoPages
	}
	for _, l := range linkscore.Rank(scored, p.topN) {
		result.Links = append(result.Links, DiscoveredLink{ScoredLink: l, SourcePage: source[l.URL]})
	}
	return result, nil
}

// FetchRecords adapts Discover to the Client contract. The date range is
// not meaningful for static pages and is ignored; the site's org type is
// unknown here so only the home page is scanned.
func (p *TransparencyProber) FetchRecords(ctx context.Context, siteURL string, _, _ time.Time) ([]Record, error) {
	d, err := p.Discover(ctx, siteURL, "")
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(d.Links))
	for _, l := range d.Links {
		title := l.AnchorText
		if title == "" {
			title = l.URL
		}
		out = append(out, Record{Title: title, ExternalGroupID: l.SourcePage, SourceDocumentURL: l.URL})
	}
	return out, nil
}

func siteRoot(siteURL string) (string, error) {
	s := strings.TrimSpace(siteURL)
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse site url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("site url %q has no host", siteURL)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String(), nil
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "html")
}
