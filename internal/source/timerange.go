package source

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var (
	// 2024年1月5日 23:59, 2024-1-5 23:59, 2024/01/05
	fullDate = regexp.MustCompile(`(20\d{2})\s*[年\-/.]\s*(\d{1,2})\s*[月\-/.]\s*(\d{1,2})[日号\s]*(?:(\d{1,2}):(\d{2}))?`)
	// ~ 1月5日 23:59 (end without a year)
	shortEnd = regexp.MustCompile(`~\s*(\d{1,2})\s*月\s*(\d{1,2})[日号\s]*(?:(\d{1,2}):(\d{2}))?`)
)

// ParseTimeRange extracts a best-effort [start, end] from free text written
// in loc. The first full date is the start, the second the end. An end that
// omits the year borrows it from the start (rolling into the next year when
// needed). Results are UTC; anything unparsable is nil.
func ParseTimeRange(text string, loc *time.Location) (start, end *time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	s := foldForParsing(text)

	var found []time.Time
	for _, m := range fullDate.FindAllStringSubmatch(s, -1) {
		t, ok := parseDate(m[0], m[3], loc)
		if !ok {
			continue
		}
		found = append(found, t)
		if len(found) == 2 {
			break
		}
	}

	if len(found) == 1 {
		if m := shortEnd.FindStringSubmatch(s); m != nil {
			yearless := strings.TrimSpace(strings.TrimPrefix(m[0], "~"))
			year := found[0].In(loc).Year()
			t, ok := parseDate(strconv.Itoa(year)+"年"+yearless, m[2], loc)
			if ok && t.Before(found[0]) {
				t, ok = parseDate(strconv.Itoa(year+1)+"年"+yearless, m[2], loc)
			}
			if ok {
				found = append(found, t)
			}
		}
	}

	if len(found) > 0 {
		start = utc(found[0])
	}
	if len(found) > 1 {
		end = utc(found[1])
	}
	return start, end
}

var dateSeparators = strings.NewReplacer("年", "-", "月", "-", "/", "-", ".", "-", "日", " ", "号", " ")

// parseDate hands a matched date to dateparse as local time in loc, after
// rewriting it to the dash form ("2024年1月5日 23:59" becomes
// "2024-1-5 23:59"). A missing clock means midnight; 24:00 is the start of
// the next day. day is the captured day of month, used to reject dates the
// parser would normalize (Feb 31).
func parseDate(match, day string, loc *time.Location) (time.Time, bool) {
	s := strings.Join(strings.Fields(dateSeparators.Replace(match)), " ")
	s = strings.NewReplacer(" - ", "-", " -", "-", "- ", "-").Replace(s)

	rollover := strings.HasSuffix(s, " 24:00")
	if rollover {
		s = strings.TrimSuffix(s, " 24:00")
	}
	t, err := dateparse.ParseIn(s, loc)
	if err != nil {
		return time.Time{}, false
	}
	if d, _ := strconv.Atoi(day); t.Day() != d {
		return time.Time{}, false
	}
	if rollover {
		t = t.AddDate(0, 0, 1)
	}
	return t, true
}

func utc(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
