package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"eventbot/internal/metrics"
	"eventbot/internal/model"
	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// Dispatcher sends rendered events through a transport adapter.
//
// It is safe for concurrent use; concurrent batches share one rate limiter.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	adapter kit.Adapter
	log     logx.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, m *metrics.Collectors) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		metrics: m,
		now:     time.Now,
	}
	d.applyLocked(cfg)
	return d
}

// Apply swaps pacing settings; in-flight sends finish with the old ones.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	d.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Key identifies a dispatch in logs and reports.
func Key(it model.Dispatch) string {
	return fmt.Sprintf("%s/%d", it.Event.SourceIdentity, it.Subscriber.ExternalID)
}

// Dispatch sends items in order. onSent (optional) runs after each
// successful send; its error is logged and counted but does not turn the
// send into a failure. When ctx ends, the remaining items count as failed.
func (d *Dispatcher) Dispatch(ctx context.Context, items []model.Dispatch, onSent SentFunc) Report {
	var rep Report
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			for _, rest := range items[i:] {
				rep.Failed++
				rep.FailedKeys = append(rep.FailedKeys, Key(rest))
			}
			d.log.Warn("dispatch aborted", logx.Int("remaining", len(items)-i), logx.Err(err))
			return rep
		}

		start := d.now()
		err := d.sendOne(ctx, it)
		d.metrics.ObserveSend(kindOf(it), err == nil, time.Since(start))
		if err != nil {
			rep.Failed++
			rep.FailedKeys = append(rep.FailedKeys, Key(it))
			rejected := Permanent(err)
			if rejected {
				rep.Rejected = append(rep.Rejected, it.Delivery.ID)
			}
			d.log.Warn("event send failed",
				logx.String("identity", it.Event.SourceIdentity),
				logx.Int64("chat_id", it.Subscriber.ExternalID),
				logx.Bool("reminder", it.Reminder),
				logx.Bool("rejected", rejected),
				logx.Err(err),
			)
			continue
		}
		rep.Sent++

		if onSent == nil {
			continue
		}
		if err := onSent(ctx, it, d.now()); err != nil {
			rep.LedgerErrors++
			d.log.Error("delivery not recorded after send",
				logx.Int64("delivery_id", it.Delivery.ID),
				logx.String("identity", it.Event.SourceIdentity),
				logx.Err(err),
			)
		}
	}
	return rep
}

func kindOf(it model.Dispatch) string {
	if it.Reminder {
		return "reminder"
	}
	return "new"
}

// sendOne renders and sends a single item with retries. Panics inside the
// transport are turned into errors so the batch keeps going.
func (d *Dispatcher) sendOne(ctx context.Context, it model.Dispatch) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during send: %v", p)
			d.log.Error("send panicked", logx.Any("panic", p), logx.Stack(logx.StackTrace(3, 16)))
		}
	}()
	if d.adapter == nil {
		return errors.New("notifier: no transport")
	}

	cfg, lim := d.snapshot()
	msg := Render(it)
	to := kit.ChatTarget{ChatID: it.Subscriber.ExternalID}
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if msg.Markup != nil {
		opt.ReplyMarkupAdapter = msg.Markup
	}

	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; ; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		if msg.PhotoURL != "" {
			_, err = d.adapter.SendPhoto(callCtx, to, msg.PhotoURL, msg.Text, opt)
		} else {
			_, err = d.adapter.SendText(callCtx, to, msg.Text, opt)
		}
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts || !retryable(err) || ctx.Err() != nil {
			return err
		}

		d.log.Debug("event send retry",
			logx.String("identity", it.Event.SourceIdentity),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return err
		}
	}
}

// retryable is false for Telegram client errors that repeat identically
// (blocked bot, bad chat id, malformed markup). Rate limiting (429) retries.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code == 429 || te.Code >= 500 || te.Code == 0
	}
	return true
}

// Permanent reports whether err means the chat will keep refusing sends:
// a Telegram client error other than rate limiting, such as a blocked bot
// (403) or a missing chat (400).
func Permanent(err error) bool {
	var te *tele.Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Code >= 400 && te.Code < 500 && te.Code != 429
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1), capped.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * j)
}
