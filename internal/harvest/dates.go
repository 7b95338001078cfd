package harvest

import (
	"strings"
	"time"

	"go.uber.org/zap"
)

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var nativeLayouts = []string{
	"02/01/2006",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2/1/2006",
}

// ParseDate tries ISO forms first, then the dd/MM/yyyy forms used by
// ModernGov. Unparseable input is logged and yields nil; callers treat a
// missing date as valid and sort it last.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	for _, layout := range nativeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	zap.L().Warn("harvest: unparseable date", zap.String("value", s))
	return nil
}

// FormatNativeDate renders t in the dd/MM/yyyy layout.
func FormatNativeDate(t time.Time) string {
	return t.Format("02/01/2006")
}
