// Package bot routes chat updates to the tracker: commands from users and
// the confirmation button under sent events.
package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"eventbot/internal/eventbus"
	"eventbot/internal/model"
	"eventbot/internal/notifier"
	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Tracker is the part of tracker.Engine the bot drives.
type Tracker interface {
	Subscribe(ctx context.Context, p model.SubscriberProfile) (model.Subscriber, error)
	List(ctx context.Context, p model.SubscriberProfile) (int, notifier.Report, error)
	Confirm(ctx context.Context, externalID, eventID int64) (bool, error)
	Scan(ctx context.Context) (eventbus.RunSummary, error)
}

type Config struct {
	// Admins may use admin-only commands (/scan).
	Admins []int64
	// Workers bounds concurrent handlers; QueueSize bounds pending ones.
	Workers   int
	QueueSize int
	// Timeout applies to each handler; /list and /scan fan out sends so keep it generous.
	Timeout time.Duration
}

// Command is one slash command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	AdminOnly   bool
	Hidden      bool // not listed in the client menu
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Bot struct {
	cfg     Config
	adapter kit.Adapter
	tracker Tracker
	log     logx.Logger

	mu       sync.RWMutex
	admins   map[int64]struct{}
	commands []Command
	byName   map[string]Command

	jobs chan func()
}

func New(cfg Config, adapter kit.Adapter, tracker Tracker, log logx.Logger) *Bot {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		cfg:     cfg,
		adapter: adapter,
		tracker: tracker,
		log:     log.With(logx.String("comp", "bot")),
		jobs:    make(chan func(), cfg.QueueSize),
	}
	b.SetAdmins(cfg.Admins)
	b.setCommands(b.builtinCommands())
	return b
}

// SetAdmins replaces the admin list. Safe during hot reload.
func (b *Bot) SetAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	b.mu.Lock()
	b.admins = m
	b.mu.Unlock()
}

func (b *Bot) isAdmin(id int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.admins[id]
	return ok
}

func (b *Bot) setCommands(cmds []Command) {
	byName := make(map[string]Command, len(cmds)*2)
	for _, c := range cmds {
		byName[c.Name] = c
		for _, a := range c.Aliases {
			if a = strings.TrimSpace(a); a != "" {
				byName[a] = c
			}
		}
	}
	b.mu.Lock()
	b.commands = cmds
	b.byName = byName
	b.mu.Unlock()
}

// Commands returns the registered commands in menu order.
func (b *Bot) Commands() []Command {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Command(nil), b.commands...)
}

// UpdateMenu pushes the command menu when the adapter supports it.
func (b *Bot) UpdateMenu(ctx context.Context) error {
	up, ok := b.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menuCommands(b.Commands()))
}

// Run consumes updates until ctx is done or updates is closed. Handlers run
// on a bounded worker pool; when the queue is full the user is told to retry.
// Run must be called at most once.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	var g errgroup.Group
	for i := 0; i < b.cfg.Workers; i++ {
		g.Go(func() error {
			for job := range b.jobs {
				b.runJob(job)
			}
			return nil
		})
	}
	b.log.Info("bot started", logx.Int("workers", b.cfg.Workers), logx.Int("queue_cap", cap(b.jobs)))

	defer func() {
		close(b.jobs)
		_ = g.Wait()
		b.log.Info("bot stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(ctx, up)
		}
	}
}

func (b *Bot) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in bot job", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 24)))
		}
	}()
	job()
}

func (b *Bot) enqueue(fn func()) bool {
	select {
	case b.jobs <- fn:
		return true
	default:
		return false
	}
}

func (b *Bot) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		b.routeMessage(ctx, up)
	case kit.UpdateCallback:
		b.routeCallback(ctx, up)
	}
}

// parseCommand splits "/list@eventbot arg" into ("list", ["arg"]).
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	if word == "" {
		return "", nil, false
	}
	return word, parts[1:], true
}

func (b *Bot) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	b.mu.RLock()
	cmd, found := b.byName[name]
	b.mu.RUnlock()
	if !found {
		// Groups see every command addressed to any bot; stay quiet there.
		if !msg.IsGroup {
			b.reply(ctx, chat, textUnknown)
		}
		return
	}
	if cmd.AdminOnly && !b.isAdmin(msg.From.ID) {
		b.reply(ctx, chat, textForbidden)
		return
	}

	req := b.newRequest(up, chat, msg.From, cmd.Name)
	req.Args = args
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}
	final := Chain(cmd.Handle, MWPanicRecover(b.log), MWRequestLog(b.log), MWTimeout(timeout))
	if !b.enqueue(func() {
		if err := final(ctx, req); err != nil && ctx.Err() == nil {
			b.reply(ctx, chat, textFailed)
		}
	}) {
		b.reply(ctx, chat, textBusy)
	}
}

func (b *Bot) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	chat := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	req := b.newRequest(up, chat, cb.From, "cb:event:confirm")
	req.Payload = cb.Data

	final := Chain(b.handleConfirm, MWPanicRecover(b.log), MWRequestLog(b.log), MWTimeout(30*time.Second))
	if !b.enqueue(func() {
		if err := final(ctx, req); err != nil && ctx.Err() == nil {
			_ = b.adapter.AnswerCallback(ctx, cb.ID, textFailed)
		}
	}) {
		_ = b.adapter.AnswerCallback(ctx, cb.ID, textBusy)
	}
}

func (b *Bot) newRequest(up kit.Update, chat kit.ChatTarget, from kit.Sender, cmd string) *Request {
	rid := uuid.NewString()[:8]
	return &Request{
		Update:  up,
		Chat:    chat,
		From:    from,
		Command: cmd,
		ReqID:   rid,
		Logger: b.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from.ID),
			logx.String("cmd", cmd),
		),
	}
}

func (b *Bot) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := b.adapter.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}
