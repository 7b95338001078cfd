package models

import "time"

// Democracy platforms recognised by the harvest stages.
const (
	PlatformModernGov = "ModernGov"
)

// Buyer is a public-sector organization being enriched.
type Buyer struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	OrgType            string   `json:"orgType"`
	WebsiteURL         string   `json:"websiteUrl,omitempty"`
	DemocracyPlatform  string   `json:"democracyPlatform,omitempty"`
	DemocracyPortalURL string   `json:"democracyPortalUrl,omitempty"`
	EnrichmentSources  []string `json:"enrichmentSources"`
}

// HasSource reports whether the stage tag was already recorded for the buyer.
func (b Buyer) HasSource(tag string) bool {
	for _, s := range b.EnrichmentSources {
		if s == tag {
			return true
		}
	}
	return false
}

// BoardDocument is a meeting or board paper discovered by a harvest client.
type BoardDocument struct {
	ID          string     `json:"id"`
	BuyerID     string     `json:"buyerId"`
	Title       string     `json:"title"`
	MeetingDate *time.Time `json:"meetingDate,omitempty"`
	CommitteeID string     `json:"committeeId"`
	SourceURL   string     `json:"sourceUrl"`
	ArchiveKey  *string    `json:"archiveKey,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// SpendLink is a scored candidate link to published spend data.
type SpendLink struct {
	BuyerID         string   `json:"buyerId"`
	URL             string   `json:"url"`
	Score           int      `json:"score"`
	MatchedPatterns []string `json:"matchedPatterns"`
	AnchorText      string   `json:"anchorText,omitempty"`
	SourcePage      string   `json:"sourcePage,omitempty"`
}
