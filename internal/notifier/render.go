package notifier

import (
	"strconv"
	"strings"

	"eventbot/internal/model"
	"eventbot/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

const (
	callbackNS    = "event"
	actionConfirm = "confirm"

	confirmLabel = "Done! ⭐"
)

// Message is a rendered dispatch, ready for the transport.
type Message struct {
	Text     string // HTML
	PhotoURL string
	Markup   *tele.ReplyMarkup
}

// ConfirmData is the callback data carried by the confirmation button.
func ConfirmData(eventID int64) string {
	s, err := tgui.Data(callbackNS, actionConfirm, strconv.FormatInt(eventID, 10))
	if err != nil {
		// An int64 payload always fits.
		panic(err)
	}
	return s
}

// ParseConfirm extracts the event id from confirmation callback data.
func ParseConfirm(data string) (int64, bool) {
	cb, ok := tgui.ParseData(data)
	if !ok || cb.NS != callbackNS || cb.Action != actionConfirm {
		return 0, false
	}
	id, err := strconv.ParseInt(cb.Payload, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// RenderText builds the HTML body for an event.
func RenderText(e model.Event, reminder bool) string {
	prefix := "【新活动】"
	if reminder {
		prefix = "【活动提醒】"
	}
	lines := []tgui.H{tgui.Esc(prefix + e.Title)}
	if tt := strings.TrimSpace(e.TimeText); tt != "" {
		// "时间" only when a range was actually parsed out of the text.
		label := "活动信息"
		if e.HasSchedule() {
			label = "活动时间"
		}
		lines = append(lines, tgui.Esc(label+"："+tt))
	}
	if u := strings.TrimSpace(e.DetailURL); u != "" {
		lines = append(lines, tgui.Esc("详情："+u))
	}
	return tgui.JoinH("\n", lines...).String()
}

// Render turns a dispatch into a Message. The confirmation button is
// attached only while the delivery is unconfirmed.
func Render(d model.Dispatch) Message {
	m := Message{
		Text:     RenderText(d.Event, d.Reminder),
		PhotoURL: strings.TrimSpace(d.Event.ImageURL),
	}
	if d.Delivery.WantsAffordance() {
		m.Markup = tgui.NewInline().Row(tgui.Btn(confirmLabel, ConfirmData(d.Event.ID))).Markup()
	}
	return m
}
