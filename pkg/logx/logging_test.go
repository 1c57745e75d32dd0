package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "eventbot/internal/transport"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"trace", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOperatorHTMLLeadsWithRunFields(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"x","message":"dispatch had failures","caller":"engine.go:42",` +
		`"zeta":"<z>","run_id":"r-1","comp":"tracker","chat_id":1001234567890,"err":"Forbidden: bot was blocked"}` + "\n")
	got := parseRecord(line).html(0)
	want := "⚠️ <b>WARN</b> dispatch had failures" +
		"\ncomp: <code>tracker</code>" +
		"\nrun_id: <code>r-1</code>" +
		"\nchat_id: <code>1001234567890</code>" +
		"\nerr: <code>Forbidden: bot was blocked</code>" +
		"\nzeta=&lt;z&gt;" +
		"\n<i>engine.go:42</i>"
	if got != want {
		t.Fatalf("html =\n%s\nwant\n%s", got, want)
	}
}

func TestOperatorHTMLNonJSON(t *testing.T) {
	t.Parallel()
	got := parseRecord([]byte("  plain <text> \n")).html(2)
	if got != "plain &lt;text&gt; (+2 similar)" {
		t.Fatalf("got %q", got)
	}
}

func TestOperatorFoldsRepeats(t *testing.T) {
	t.Parallel()
	o := newOperatorSink(nil)
	o.configure(OperatorConfig{RatePerSec: 100})
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	if _, ok := o.admit("a"); !ok {
		t.Fatal("first record must pass")
	}
	for i := 0; i < 3; i++ {
		if _, ok := o.admit("a"); ok {
			t.Fatal("repeat inside the window must be folded")
		}
	}
	if _, ok := o.admit("b"); !ok {
		t.Fatal("a different record must pass")
	}
	now = now.Add(repeatWindow)
	dropped, ok := o.admit("a")
	if !ok || dropped != 3 {
		t.Fatalf("after window: dropped=%d ok=%v", dropped, ok)
	}
}

type chatRecorder struct {
	mu   sync.Mutex
	sent []string
	opts []*kit.SendOptions
}

func (c *chatRecorder) Start(context.Context, chan<- kit.Update) error { return nil }
func (c *chatRecorder) Stop(context.Context) error                     { return nil }
func (c *chatRecorder) SendText(_ context.Context, _ kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.opts = append(c.opts, opt)
	return kit.MessageRef{}, nil
}
func (c *chatRecorder) SendPhoto(context.Context, kit.ChatTarget, string, string, *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}
func (c *chatRecorder) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (c *chatRecorder) ClearMarkup(context.Context, kit.MessageRef) error   { return nil }
func (c *chatRecorder) AnswerCallback(context.Context, string, string) error { return nil }

func (c *chatRecorder) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestServiceForwardsWarningsToOperatorChat(t *testing.T) {
	t.Parallel()
	rec := &chatRecorder{}
	svc, log := New(Config{Level: "debug", Operator: OperatorConfig{Enabled: true, RatePerSec: 50}}, rec)
	defer svc.Close()
	svc.SetOperatorChat(-100, 7)

	log = log.With(String("comp", "notifier"))
	log.Info("not forwarded")
	log.Warn("event send failed", String("identity", "abc"), Int64("chat_id", 42))
	log.Warn("event send failed", String("identity", "abc"), Int64("chat_id", 42))

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	msgs := rec.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages: %q", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "identity: <code>abc</code>") || !strings.Contains(msgs[0], "comp: <code>notifier</code>") {
		t.Fatalf("message = %q", msgs[0])
	}
	if rec.opts[0] == nil || rec.opts[0].ParseMode != "HTML" {
		t.Fatalf("opts = %+v", rec.opts[0])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	l.With(Int("n", 1)).Error("ignored", Err(nil))
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
	if Nop().Enabled(LevelError) {
		t.Fatal("Nop logger should be disabled")
	}
}
