package ops

import (
	"strings"
	"time"

	"eventbot/internal/model"

	ical "github.com/arran4/golang-ical"
)

const calendarUIDDomain = "@eventbot"

// BuildCalendar renders events with a known start as VEVENTs. Events
// without an end become point-in-time entries. The UID is the source
// identity plus a fixed domain.
func BuildCalendar(name string, events []model.Event, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//eventbot//events//ZH")
	cal.SetXWRCalName(name)

	stamp := now.UTC()
	for _, e := range events {
		if e.StartAt == nil {
			continue
		}
		ev := cal.AddEvent(e.SourceIdentity + calendarUIDDomain)
		ev.SetDtStampTime(stamp)
		ev.SetCreatedTime(e.CreatedAt.UTC())
		ev.SetModifiedAt(e.UpdatedAt.UTC())
		ev.SetStartAt(e.StartAt.UTC())
		if e.EndAt != nil && !e.EndAt.Before(*e.StartAt) {
			ev.SetEndAt(e.EndAt.UTC())
		} else {
			ev.SetEndAt(e.StartAt.UTC())
		}
		ev.SetSummary(e.Title)
		desc := []string{e.TimeText}
		if e.DetailURL != "" {
			ev.SetURL(e.DetailURL)
			desc = append(desc, e.DetailURL)
		}
		ev.SetDescription(strings.Join(desc, "\n"))
	}
	return cal.Serialize()
}
