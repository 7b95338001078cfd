// Package linkscore decides whether a hyperlink points at a published
// spend-data file by summing the weights of the URL rules it matches.
package linkscore

import (
	"regexp"
	"sort"
	"strings"
)

// AnchorBonus is added once when the anchor text carries a spend keyword.
const AnchorBonus = 15

// Rule is one weighted URL pattern.
type Rule struct {
	Name   string
	Re     *regexp.Regexp
	Weight int
}

// ScoredLink is a link that matched at least one rule.
type ScoredLink struct {
	URL                 string   `json:"url"`
	Score               int      `json:"score"`
	MatchedPatternNames []string `json:"matchedPatternNames"`
	AnchorText          string   `json:"anchorText,omitempty"`
}

var rules = []Rule{
	{"file_extension", regexp.MustCompile(`(?i)\.(csv|xlsx?|ods)([?#].*)?$`), 50},
	{"download_export", regexp.MustCompile(`(?i)(/download|/export|[?&](download|export)=)`), 20},
	{"gov_publication", regexp.MustCompile(`(?i)/government/(publications|statistical-data-sets)/`), 25},
	{"dataset_catalog", regexp.MustCompile(`(?i)(/datasets?/|data\.gov\.uk|/open-?data/)`), 20},
	{"document_management", regexp.MustCompile(`(?i)[a-z]*(document|file|download|viewer|media)[a-z]*\.(ashx|aspx)`), 15},
	{"wordpress_upload", regexp.MustCompile(`(?i)/wp-content/uploads/`), 15},
	{"drupal_upload", regexp.MustCompile(`(?i)/sites/[^/]+/files/`), 15},
	{"period_named", regexp.MustCompile(`(?i)/(?:[^/?#]*[^a-z0-9/?#])?(?:(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sept?(?:ember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)(?:[-_ ]?20\d{2})?|q[1-4](?:[-_ ]?20\d{2})?|20\d{2}(?:[-_ ]?q[1-4])?|quarter(?:[-_ ]?[1-4])?)(?:[^a-z0-9/?#][^/?#]*)?(?:[?#].*)?$`), 10},
	{"file_download_endpoint", regexp.MustCompile(`(?i)(getfile|filedownload|downloadfile|streamfile|getdocument|fileserver)`), 15},
	{"numeric_file_id", regexp.MustCompile(`(?i)[?&](id|fileid|file_id|docid|documentid|document_id|attachmentid)=\d+`), 10},
	{"document_library", regexp.MustCompile(`(?i)/(documents|document-library|downloads)/`), 10},
	{"content_download", regexp.MustCompile(`(?i)/(media|files|download|assets)/\d+`), 10},
}

var anchorKeywords = []string{
	"spending",
	"spend",
	"transparency",
	"expenditure",
	"payments",
	"over £500",
	"over 500",
	"csv",
	"quarter",
	"invoice",
	"creditor",
	"supplier",
}

// ScoreLink scores url against the rule table. It returns nil when no rule
// matches. Anchor text only contributes once a URL rule has matched.
func ScoreLink(url, anchorText string) *ScoredLink {
	var (
		score   int
		matched []string
	)
	for _, r := range rules {
		if r.Re.MatchString(url) {
			score += r.Weight
			matched = append(matched, r.Name)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	anchor := strings.TrimSpace(anchorText)
	if anchor != "" && hasKeyword(anchor) {
		score += AnchorBonus
	}

	return &ScoredLink{
		URL:                 url,
		Score:               score,
		MatchedPatternNames: matched,
		AnchorText:          anchor,
	}
}

func hasKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range anchorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Rank drops nil entries, orders by score descending and returns at most n
// links. Equal scores keep their discovery order. n <= 0 means no limit.
func Rank(links []*ScoredLink, n int) []ScoredLink {
	out := make([]ScoredLink, 0, len(links))
	for _, l := range links {
		if l != nil {
			out = append(out, *l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
