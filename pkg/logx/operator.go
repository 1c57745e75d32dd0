package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "eventbot/internal/transport"
	"eventbot/pkg/tgui"
)

const (
	operatorQueueSize = 256
	// repeatWindow folds identical records (same message, event and chat)
	// into one chat message per window.
	repeatWindow = time.Minute
	maxValue     = 200
	maxStack     = 700
	maxExtra     = 8
)

// headline fields lead the message in this order; they tie a warning to a
// run, an event and a subscriber.
var headline = []string{"comp", "kind", "run_id", "identity", "event_id", "chat_id"}

var notExtra = map[string]bool{
	"time": true, "level": true, "message": true, "caller": true, "err": true, "stack": true,
	"comp": true, "kind": true, "run_id": true, "identity": true, "event_id": true, "chat_id": true,
}

type operatorMsg struct {
	to   kit.ChatTarget
	text string
}

type repeat struct {
	at      time.Time
	dropped int
}

// operatorSink is a zerolog.LevelWriter that turns records into HTML chat
// messages. Writes never block: the queue drops on overflow.
type operatorSink struct {
	sender kit.Adapter
	queue  chan operatorMsg
	now    func() time.Time

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel Level
	limiter  *rate.Limiter
	seen     map[string]repeat

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newOperatorSink(sender kit.Adapter) *operatorSink {
	return &operatorSink{
		sender:   sender,
		queue:    make(chan operatorMsg, operatorQueueSize),
		now:      time.Now,
		minLevel: LevelWarn,
		limiter:  rate.NewLimiter(1, 1),
		seen:     map[string]repeat{},
	}
}

func (o *operatorSink) configure(cfg OperatorConfig) {
	rps := max(1, cfg.RatePerSec)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		o.threadID = cfg.ThreadID
	}
}

func (o *operatorSink) setChat(chatID int64, threadID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chatID = chatID
	if threadID != 0 {
		o.threadID = threadID
	}
}

func (o *operatorSink) routed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chatID != 0
}

func (o *operatorSink) start() {
	o.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		o.mu.Lock()
		o.cancel = cancel
		o.mu.Unlock()
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.run(ctx)
		}()
	})
}

func (o *operatorSink) stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

func (o *operatorSink) run(ctx context.Context) {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-o.queue:
			if o.sender != nil {
				_, _ = o.sender.SendText(ctx, m.to, m.text, opt)
			}
		}
	}
}

func (o *operatorSink) Write(p []byte) (int, error) { return o.WriteLevel(LevelInfo, p) }

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	to := kit.ChatTarget{ChatID: o.chatID, ThreadID: o.threadID}
	wanted := o.sender != nil && to.ChatID != 0 && level >= o.minLevel
	o.mu.Unlock()
	if !wanted {
		return len(p), nil
	}

	rec := parseRecord(p)
	dropped, ok := o.admit(rec.key())
	if !ok {
		return len(p), nil
	}
	select {
	case o.queue <- operatorMsg{to: to, text: rec.html(dropped)}:
	default:
	}
	return len(p), nil
}

// admit applies repeat folding and then the rate limit. dropped is the
// number of identical records swallowed since the last one sent.
func (o *operatorSink) admit(key string) (dropped int, ok bool) {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()

	r, seen := o.seen[key]
	if seen && now.Sub(r.at) < repeatWindow {
		r.dropped++
		o.seen[key] = r
		return 0, false
	}
	if !o.limiter.Allow() {
		return 0, false
	}
	o.seen[key] = repeat{at: now}
	if len(o.seen) > 512 {
		for k, v := range o.seen {
			if now.Sub(v.at) >= repeatWindow {
				delete(o.seen, k)
			}
		}
	}
	return r.dropped, true
}

// record is one decoded zerolog line. A line that is not JSON keeps its
// text in message.
type record struct {
	level   string
	message string
	fields  map[string]any
}

func parseRecord(p []byte) record {
	p = bytes.TrimSpace(p)
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(p))
	// Numbers stay exact: chat ids do not survive float64 formatting.
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return record{message: string(p)}
	}
	r := record{fields: m}
	r.level, _ = m[zerolog.LevelFieldName].(string)
	r.message, _ = m[zerolog.MessageFieldName].(string)
	return r
}

func (r record) str(k string) string {
	v, ok := r.fields[k]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func (r record) key() string {
	return strings.Join([]string{r.level, r.message, r.str("identity"), r.str("chat_id")}, "\x00")
}

func levelMark(level string) string {
	switch level {
	case "error", "fatal", "panic":
		return "🛑"
	case "warn":
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// html renders the record for Telegram's HTML parse mode: level and message
// first, then the headline fields, the error, up to maxExtra other fields,
// the caller and the stack.
func (r record) html(dropped int) string {
	var b strings.Builder
	if r.level != "" {
		b.WriteString(levelMark(r.level) + " " + tgui.B(strings.ToUpper(r.level)).String() + " ")
	}
	b.WriteString(tgui.Esc(tgui.TruncRunes(r.message, maxValue)).String())
	if dropped > 0 {
		fmt.Fprintf(&b, " (+%d similar)", dropped)
	}
	for _, k := range headline {
		if v := r.str(k); v != "" {
			b.WriteString("\n" + k + ": " + tgui.Code(tgui.TruncRunes(v, maxValue)).String())
		}
	}
	if v := r.str("err"); v != "" {
		b.WriteString("\nerr: " + tgui.Code(tgui.TruncRunes(v, maxValue)).String())
	}

	extra := make([]string, 0, len(r.fields))
	for k := range r.fields {
		if !notExtra[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for i, k := range extra {
		if i == maxExtra {
			fmt.Fprintf(&b, "\n… %d more", len(extra)-maxExtra)
			break
		}
		b.WriteString("\n" + tgui.Esc(k).String() + "=" + tgui.Esc(tgui.TruncRunes(r.str(k), maxValue)).String())
	}

	if c := r.str("caller"); c != "" {
		b.WriteString("\n" + tgui.I(c).String())
	}
	if st := r.str("stack"); st != "" {
		b.WriteString("\n<pre>" + tgui.Esc(tgui.TruncRunes(st, maxStack)).String() + "</pre>")
	}
	return b.String()
}
