package harvest

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const modernGovService = "mgWebService.asmx"

// ModernGovClient reads committees and meetings from a ModernGov portal's
// mgWebService.asmx HTTP-GET binding.
type ModernGovClient struct {
	fetcher      *Fetcher
	probeTimeout time.Duration
	fetchTimeout time.Duration
}

// NewModernGovClient builds a client. Zero timeouts fall back to 10s for
// the probe and 30s for fetches.
func NewModernGovClient(f *Fetcher, probeTimeout, fetchTimeout time.Duration) *ModernGovClient {
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &ModernGovClient{fetcher: f, probeTimeout: probeTimeout, fetchTimeout: fetchTimeout}
}

func (c *ModernGovClient) Name() string { return "moderngov" }

type mgCommittee struct {
	ID      string `xml:"committeeid"`
	Title   string `xml:"committeetitle"`
	Deleted string `xml:"committeedeleted"`
}

type mgCommitteesResponse struct {
	Committees []mgCommittee `xml:"committee"`
}

type mgMeeting struct {
	ID          string `xml:"meetingid"`
	Date        string `xml:"meetingdate"`
	Time        string `xml:"meetingtime"`
	Link        string `xml:"linktomeeting"`
	Cancelled   string `xml:"meetingcancelled"`
	CommitteeID string `xml:"committeeid"`
}

type mgMeetingsResponse struct {
	Meetings []mgMeeting `xml:"meeting"`
}

// serviceRoot normalises a portal URL to the site root that hosts mgWebService.asmx.
func serviceRoot(baseURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse portal url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("portal url %q is not absolute", baseURL)
	}
	path := u.Path
	if i := strings.Index(strings.ToLower(path), strings.ToLower(modernGovService)); i >= 0 {
		path = path[:i]
	} else if i := strings.LastIndex(path, "/"); i >= 0 && strings.Contains(path[i:], ".") {
		path = path[:i+1]
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: path}, nil
}

func (c *ModernGovClient) endpoint(root *url.URL, method string, params url.Values) string {
	u := *root
	u.Path = root.Path + modernGovService + "/" + method
	if params != nil {
		u.RawQuery = params.Encode()
	}
	return u.String()
}

func (c *ModernGovClient) committees(ctx context.Context, root *url.URL, timeout time.Duration) ([]mgCommittee, error) {
	body, _, err := c.fetcher.Get(ctx, c.endpoint(root, "GetCommittees", nil), timeout)
	if err != nil {
		return nil, err
	}
	var resp mgCommitteesResponse
	if err := decodeXML(body, &resp); err != nil {
		return nil, fmt.Errorf("decode committees: %w", err)
	}
	return resp.Committees, nil
}

// TestConnection asks the portal for its committee list using the short
// probe timeout.
func (c *ModernGovClient) TestConnection(ctx context.Context, baseURL string) bool {
	root, err := serviceRoot(baseURL)
	if err != nil {
		return false
	}
	if _, err := c.committees(ctx, root, c.probeTimeout); err != nil {
		zap.L().Debug("moderngov: probe failed", zap.String("portal", baseURL), zap.Error(err))
		return false
	}
	return true
}

// FetchRecords lists every meeting of every live committee between start
// and end. A committee whose meetings cannot be read is skipped; the call
// fails only if nothing could be read at all.
func (c *ModernGovClient) FetchRecords(ctx context.Context, baseURL string, start, end time.Time) ([]Record, error) {
	root, err := serviceRoot(baseURL)
	if err != nil {
		return nil, err
	}
	committees, err := c.committees(ctx, root, c.fetchTimeout)
	if err != nil {
		return nil, err
	}

	var (
		records []Record
		failed  int
		lastErr error
	)
	for _, cm := range committees {
		if strings.EqualFold(strings.TrimSpace(cm.Deleted), "true") || strings.TrimSpace(cm.ID) == "" {
			continue
		}
		meetings, err := c.meetings(ctx, root, cm.ID, start, end)
		if err != nil {
			failed++
			lastErr = err
			zap.L().Warn("moderngov: committee meetings failed",
				zap.String("portal", baseURL),
				zap.String("committee", cm.ID),
				zap.Error(err),
			)
			continue
		}
		for _, m := range meetings {
			if strings.EqualFold(strings.TrimSpace(m.Cancelled), "true") {
				continue
			}
			records = append(records, normalizeMeeting(root, cm, m))
		}
	}
	if failed > 0 && failed == countLive(committees) {
		return nil, fmt.Errorf("all %d committees failed: %w", failed, lastErr)
	}
	return records, nil
}

func (c *ModernGovClient) meetings(ctx context.Context, root *url.URL, committeeID string, start, end time.Time) ([]mgMeeting, error) {
	params := url.Values{}
	params.Set("lCommitteeId", committeeID)
	params.Set("sStartDate", FormatNativeDate(start))
	params.Set("sEndDate", FormatNativeDate(end))
	body, _, err := c.fetcher.Get(ctx, c.endpoint(root, "GetMeetings", params), c.fetchTimeout)
	if err != nil {
		return nil, err
	}
	var resp mgMeetingsResponse
	if err := decodeXML(body, &resp); err != nil {
		return nil, fmt.Errorf("decode meetings: %w", err)
	}
	return resp.Meetings, nil
}

func normalizeMeeting(root *url.URL, cm mgCommittee, m mgMeeting) Record {
	title := strings.TrimSpace(cm.Title)
	if title == "" {
		title = "Committee " + cm.ID
	}
	if d := strings.TrimSpace(m.Date); d != "" {
		title += " - " + d
	}
	link := strings.TrimSpace(m.Link)
	if link == "" {
		q := url.Values{}
		q.Set("CId", cm.ID)
		q.Set("MId", m.ID)
		link = (&url.URL{Scheme: root.Scheme, Host: root.Host, Path: root.Path + "ieListDocuments.aspx", RawQuery: q.Encode()}).String()
	} else if ref, err := url.Parse(link); err == nil {
		link = root.ResolveReference(ref).String()
	}
	return Record{
		Title:             title,
		Date:              ParseDate(m.Date),
		ExternalGroupID:   cm.ID,
		SourceDocumentURL: link,
	}
}

func countLive(committees []mgCommittee) int {
	n := 0
	for _, cm := range committees {
		if !strings.EqualFold(strings.TrimSpace(cm.Deleted), "true") && strings.TrimSpace(cm.ID) != "" {
			n++
		}
	}
	return n
}

// decodeXML accepts either a bare document or one wrapped in an ASP.NET
// <string> element carrying escaped XML.
func decodeXML(body []byte, v any) error {
	var wrapped struct {
		XMLName xml.Name
		Inner   string `xml:",chardata"`
	}
	if err := xml.Unmarshal(body, &wrapped); err == nil && wrapped.XMLName.Local == "string" {
		inner := strings.TrimSpace(wrapped.Inner)
		if strings.HasPrefix(inner, "<") {
			body = []byte(inner)
		}
	}
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	return dec.Decode(v)
}
