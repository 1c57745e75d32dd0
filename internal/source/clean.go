package source

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/width"
)

var (
	spaces     = regexp.MustCompile(`\s+`)
	timePrefix = regexp.MustCompile(`^活动时间[:：]\s*`)
)

// cleanText strips markup (when there is any) and collapses whitespace.
// Plain text passes through apart from whitespace, so identities computed
// from it stay stable.
func cleanText(s string) string {
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

// foldForParsing maps full-width digits and punctuation to ASCII and
// unifies range separators. Only used for time parsing; stored text keeps
// the original characters.
func foldForParsing(s string) string {
	s = width.Narrow.String(s)
	return strings.NewReplacer("～", "~", "〜", "~", "—", "-", "–", "-", "至", "~").Replace(s)
}
