package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eventbot/internal/eventbus"
	"eventbot/internal/model"
	"eventbot/internal/notifier"
	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type reply struct {
	chatID int64
	text   string
	parse  string
}

type fakeAdapter struct {
	mu       sync.Mutex
	replies  []reply
	edits    map[int]string
	cleared  []int
	answers  map[string]string
	menu     []kit.BotCommand
	editFail error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{edits: map[int]string{}, answers: map[string]string{}}
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := reply{chatID: to.ChatID, text: text}
	if opt != nil {
		r.parse = opt.ParseMode
	}
	f.replies = append(f.replies, r)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.replies)}, nil
}

func (f *fakeAdapter) SendPhoto(ctx context.Context, to kit.ChatTarget, _, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return f.SendText(ctx, to, caption, opt)
}

func (f *fakeAdapter) EditText(_ context.Context, ref kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editFail != nil {
		return f.editFail
	}
	f.edits[ref.MessageID] = text
	return nil
}

func (f *fakeAdapter) ClearMarkup(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, ref.MessageID)
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[id] = text
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.replies))
	for _, r := range f.replies {
		out = append(out, r.text)
	}
	return out
}

type fakeTracker struct {
	mu         sync.Mutex
	profiles   []model.SubscriberProfile
	listN      int
	listReport notifier.Report
	confirmErr error
	confirmed  [][2]int64
	scans      int
	err        error
	block      chan struct{}
}

func (t *fakeTracker) Subscribe(_ context.Context, p model.SubscriberProfile) (model.Subscriber, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.profiles = append(t.profiles, p)
	return model.Subscriber{ID: 1, ExternalID: p.ExternalID}, t.err
}

func (t *fakeTracker) List(_ context.Context, p model.SubscriberProfile) (int, notifier.Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.profiles = append(t.profiles, p)
	return t.listN, t.listReport, t.err
}

func (t *fakeTracker) Confirm(_ context.Context, externalID, eventID int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.confirmErr != nil {
		return false, t.confirmErr
	}
	t.confirmed = append(t.confirmed, [2]int64{externalID, eventID})
	return true, nil
}

func (t *fakeTracker) Scan(ctx context.Context) (eventbus.RunSummary, error) {
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return eventbus.RunSummary{}, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scans++
	return eventbus.RunSummary{Kind: "scan", Created: 2, Sent: 4}, t.err
}

var errBoom = errors.New("boom")

func newTestBot(admins ...int64) (*Bot, *fakeAdapter, *fakeTracker) {
	ad := newFakeAdapter()
	tr := &fakeTracker{}
	b := New(Config{Admins: admins, Workers: 2, QueueSize: 16, Timeout: 5 * time.Second}, ad, tr, logx.Nop())
	return b, ad, tr
}

func message(chatID, fromID int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:     1,
		ChatID: chatID,
		From:   kit.Sender{ID: fromID, Username: "alice", FirstName: "Alice"},
		Text:   text,
	}}
}

func callback(chatID int64, msgID int, data string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID:        "cb1",
		ChatID:    chatID,
		From:      kit.Sender{ID: chatID},
		MessageID: msgID,
		Data:      data,
	}}
}

// run feeds ups through a fresh Run loop and waits until every handler finished.
func run(t *testing.T, b *Bot, ups ...kit.Update) {
	t.Helper()
	ch := make(chan kit.Update, len(ups))
	for _, up := range ups {
		ch <- up
	}
	close(ch)
	if err := b.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
