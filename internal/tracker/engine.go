package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"eventbot/internal/eventbus"
	"eventbot/internal/metrics"
	"eventbot/internal/model"
	"eventbot/internal/notifier"
	"eventbot/internal/storage"
	logx "eventbot/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoSubscriber = errors.New("tracker: subscriber not registered")
	ErrNoDelivery   = errors.New("tracker: no delivery for event")
)

const (
	KindScan      = "scan"
	KindCountdown = "countdown"

	ledgerWriteTimeout = 5 * time.Second
	defaultScanTimeout = 5 * time.Minute
)

// Source yields the current snapshot of the upstream event list.
type Source interface {
	Fetch(ctx context.Context) ([]model.ScrapedEvent, error)
}

// Dispatcher sends planned deliveries; see notifier.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, items []model.Dispatch, onSent notifier.SentFunc) notifier.Report
}

// Options are the hot-reloadable knobs.
type Options struct {
	ReminderWindow time.Duration
	SweepOnScan    bool
	// ScanTimeout bounds one shared scan run; zero means five minutes.
	ScanTimeout time.Duration
}

// Deps are the collaborators. Bus, Metrics, Log and Clock are optional.
type Deps struct {
	DB         *storage.DB
	Source     Source
	Dispatcher Dispatcher
	Bus        eventbus.Bus
	Metrics    *metrics.Collectors
	Log        logx.Logger
	Clock      func() time.Time
}

type Engine struct {
	db      *storage.DB
	src     Source
	disp    Dispatcher
	bus     eventbus.Bus
	metrics *metrics.Collectors
	log     logx.Logger
	now     func() time.Time

	mu   sync.RWMutex
	opts Options

	scans singleflight.Group
	// scanMu guards the caller count and cancel func of the running scan.
	scanMu      sync.Mutex
	scanWaiters int
	scanCancel  context.CancelFunc

	// sweep is held while reminders are planned and sent, so a countdown
	// and a scan sweep never plan the same delivery.
	sweep chan struct{}
}

func New(d Deps, opts Options) *Engine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Engine{
		db:      d.DB,
		src:     d.Source,
		disp:    d.Dispatcher,
		bus:     d.Bus,
		metrics: d.Metrics,
		log:     d.Log.With(logx.String("comp", "tracker")),
		now:     d.Clock,
		opts:    opts,
		sweep:   make(chan struct{}, 1),
	}
}

// Apply replaces the options used by subsequent runs.
func (e *Engine) Apply(opts Options) {
	e.mu.Lock()
	e.opts = opts
	e.mu.Unlock()
}

func (e *Engine) options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// Scan fetches the source, synchronizes it, announces newly created events
// and, when enabled, sweeps reminders. Concurrent calls share one run. The
// run is detached from any single caller: a caller whose ctx ends gets
// ctx.Err() back while the others keep waiting, and the run itself is
// cancelled only once every caller has gone.
func (e *Engine) Scan(ctx context.Context) (eventbus.RunSummary, error) {
	e.scanMu.Lock()
	e.scanWaiters++
	e.scanMu.Unlock()

	ch := e.scans.DoChan(KindScan, func() (any, error) {
		timeout := e.options().ScanTimeout
		if timeout <= 0 {
			timeout = defaultScanTimeout
		}
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		e.scanMu.Lock()
		e.scanCancel = cancel
		if e.scanWaiters == 0 {
			cancel()
		}
		e.scanMu.Unlock()
		defer func() {
			e.scanMu.Lock()
			e.scanCancel = nil
			e.scanMu.Unlock()
			cancel()
		}()
		return e.scan(runCtx)
	})

	select {
	case r := <-ch:
		e.leaveScan(false)
		if r.Shared {
			e.log.Debug("scan coalesced with a running scan")
		}
		sum, _ := r.Val.(eventbus.RunSummary)
		return sum, r.Err
	case <-ctx.Done():
		e.leaveScan(true)
		return eventbus.RunSummary{}, ctx.Err()
	}
}

func (e *Engine) leaveScan(abandoned bool) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	e.scanWaiters--
	if abandoned && e.scanWaiters == 0 && e.scanCancel != nil {
		e.log.Info("scan abandoned by every caller, cancelling")
		e.scanCancel()
	}
}

func (e *Engine) scan(ctx context.Context) (sum eventbus.RunSummary, err error) {
	opts := e.options()
	now := e.now().UTC()
	sum = eventbus.RunSummary{RunID: uuid.NewString(), Kind: KindScan, StartedAt: now}
	log := e.log.With(logx.String("run_id", sum.RunID))
	defer func() { e.finish(log, &sum, err) }()

	snapshot, err := e.src.Fetch(ctx)
	if err != nil {
		return sum, fmt.Errorf("fetch source: %w", err)
	}
	sum.Scraped = len(snapshot)
	e.metrics.ObserveScrape(len(snapshot))

	var (
		res      SyncResult
		announce []model.Dispatch
	)
	err = e.db.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		res, err = Synchronize(ctx, tx, snapshot, now)
		if err != nil {
			return err
		}
		if len(res.Created) > 0 {
			subs, err := tx.ListSubscribers(ctx)
			if err != nil {
				return err
			}
			for _, ev := range res.Created {
				if _, err := EnsureDeliveries(ctx, tx, ev, subs, now); err != nil {
					return err
				}
			}
		}
		// Also picks up announcements an interrupted run left unsent.
		unsent, err := tx.UnsentAnnouncements(ctx, now)
		if err != nil {
			return err
		}
		announce, err = tx.Dispatches(ctx, unsent, false)
		return err
	})
	if err != nil {
		return sum, err
	}

	sum.Created = len(res.Created)
	sum.Updated = len(res.Updated)
	sum.Deactivated = res.Deactivated
	e.metrics.ObserveSync(len(res.Created), len(res.Updated), res.Deactivated)
	log.Info("snapshot synchronized",
		logx.Int("scraped", sum.Scraped),
		logx.Int("created", sum.Created),
		logx.Int("updated", sum.Updated),
		logx.Int64("deactivated", sum.Deactivated),
		logx.Int("announce", len(announce)),
	)

	rep := e.send(ctx, log, announce)
	sum.Sent, sum.Failed = rep.Sent, rep.Failed
	if opts.SweepOnScan {
		excl := ReminderExclusions(res.Created, opts.ReminderWindow)
		_, rrep, err := e.remind(ctx, log, now, opts.ReminderWindow, excl)
		if err != nil {
			return sum, fmt.Errorf("reminder sweep: %w", err)
		}
		sum.Reminded = rrep.Sent
		sum.Failed += rrep.Failed
		rep.Add(rrep)
	}
	e.logFailures(log, rep)
	return sum, nil
}

// Countdown sends reminders for deliveries whose event ends within
// withinDays. A negative withinDays uses the configured window.
func (e *Engine) Countdown(ctx context.Context, withinDays int) (sum eventbus.RunSummary, err error) {
	window := e.options().ReminderWindow
	if withinDays >= 0 {
		window = time.Duration(withinDays) * 24 * time.Hour
	}
	now := e.now().UTC()
	sum = eventbus.RunSummary{RunID: uuid.NewString(), Kind: KindCountdown, StartedAt: now}
	log := e.log.With(logx.String("run_id", sum.RunID))
	defer func() { e.finish(log, &sum, err) }()

	planned, rep, err := e.remind(ctx, log, now, window, nil)
	if err != nil {
		return sum, err
	}
	if planned == 0 {
		log.Info("no pending reminders", logx.Duration("window", window))
		return sum, nil
	}
	sum.Reminded, sum.Failed = rep.Sent, rep.Failed
	e.logFailures(log, rep)
	return sum, nil
}

// remind plans and sends the reminders owed inside [now, now+window] while
// holding the sweep lock. Planning reads reminder_sent_at only after the
// previous sweep has recorded its sends.
func (e *Engine) remind(ctx context.Context, log logx.Logger, now time.Time, window time.Duration, exclude []string) (int, notifier.Report, error) {
	select {
	case e.sweep <- struct{}{}:
	case <-ctx.Done():
		return 0, notifier.Report{}, ctx.Err()
	}
	defer func() { <-e.sweep }()

	var items []model.Dispatch
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		pending, err := PendingReminders(ctx, tx, now, window, exclude)
		if err != nil {
			return err
		}
		items, err = tx.Dispatches(ctx, pending, true)
		return err
	})
	if err != nil || len(items) == 0 {
		return 0, notifier.Report{}, err
	}
	log.Info("sending reminders", logx.Int("reminders", len(items)), logx.Duration("window", window))
	return len(items), e.send(ctx, log, items), nil
}

// send dispatches items and flags the deliveries whose chat refused them
// for good, so later scans stop planning them.
func (e *Engine) send(ctx context.Context, log logx.Logger, items []model.Dispatch) notifier.Report {
	if len(items) == 0 {
		return notifier.Report{}
	}
	rep := e.disp.Dispatch(ctx, items, e.recordSent)
	if len(rep.Rejected) == 0 {
		return rep
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	var n int64
	err := e.db.InTx(wctx, func(tx *storage.Tx) error {
		var err error
		n, err = tx.MarkRejected(wctx, rep.Rejected, e.now().UTC())
		return err
	})
	if err != nil {
		log.Error("rejected deliveries not recorded", logx.Int("count", len(rep.Rejected)), logx.Err(err))
	} else {
		log.Info("deliveries rejected by chat", logx.Int64("count", n))
	}
	return rep
}

// Subscribe registers (or refreshes) a subscriber and makes sure it has a
// ledger row for every current event.
func (e *Engine) Subscribe(ctx context.Context, p model.SubscriberProfile) (model.Subscriber, error) {
	now := e.now().UTC()
	var sub model.Subscriber
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		sub, err = tx.UpsertSubscriber(ctx, p, now)
		if err != nil {
			return err
		}
		if _, err := tx.ClearRejections(ctx, sub.ID, now); err != nil {
			return err
		}
		events, err := CurrentEvents(ctx, tx, now)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if _, err := EnsureDeliveries(ctx, tx, ev, []model.Subscriber{sub}, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Subscriber{}, err
	}
	e.log.Info("subscriber registered", logx.Int64("chat_id", sub.ExternalID), logx.String("username", sub.Username))
	return sub, nil
}

// List subscribes the caller and sends it every current event. It returns
// how many events were planned; zero means there is nothing to show.
func (e *Engine) List(ctx context.Context, p model.SubscriberProfile) (int, notifier.Report, error) {
	now := e.now().UTC()
	var items []model.Dispatch
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		sub, err := tx.UpsertSubscriber(ctx, p, now)
		if err != nil {
			return err
		}
		if _, err := tx.ClearRejections(ctx, sub.ID, now); err != nil {
			return err
		}
		events, err := CurrentEvents(ctx, tx, now)
		if err != nil {
			return err
		}
		ds := make([]model.Delivery, 0, len(events))
		for _, ev := range events {
			got, err := EnsureDeliveries(ctx, tx, ev, []model.Subscriber{sub}, now)
			if err != nil {
				return err
			}
			ds = append(ds, got...)
		}
		items, err = tx.Dispatches(ctx, ds, false)
		return err
	})
	if err != nil {
		return 0, notifier.Report{}, err
	}
	if len(items) == 0 {
		return 0, notifier.Report{}, nil
	}
	rep := e.send(ctx, e.log, items)
	e.logFailures(e.log, rep)
	return len(items), rep, nil
}

// Confirm marks the subscriber's delivery for eventID as confirmed.
// Repeated confirmations succeed with changed=false.
func (e *Engine) Confirm(ctx context.Context, externalID, eventID int64) (changed bool, err error) {
	now := e.now().UTC()
	err = e.db.InTx(ctx, func(tx *storage.Tx) error {
		sub, err := tx.SubscriberByExternalID(ctx, externalID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoSubscriber
		}
		if err != nil {
			return err
		}
		d, err := tx.DeliveryFor(ctx, eventID, sub.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoDelivery
		}
		if err != nil {
			return err
		}
		_, changed, err = MarkConfirmed(ctx, tx, d, now)
		return err
	})
	if err != nil {
		return false, err
	}
	if changed {
		e.metrics.ObserveConfirmation()
		e.publish(eventbus.TypeDeliveryConfirmed, eventbus.Confirmation{EventID: eventID, ExternalID: externalID, At: now})
		e.log.Info("delivery confirmed", logx.Int64("event_id", eventID), logx.Int64("chat_id", externalID))
	}
	return changed, nil
}

// Current lists current events outside of any unit of work (read-only).
func (e *Engine) Current(ctx context.Context) ([]model.Event, error) {
	return CurrentEvents(ctx, e.db.Reader(), e.now())
}

func (e *Engine) Stats(ctx context.Context) (storage.Stats, error) {
	return e.db.Reader().Stats(ctx)
}

// recordSent is the dispatcher's ledger hook. The write gets its own short
// transaction and survives cancellation of the batch context, so a send
// that reached the user is not re-sent after shutdown.
func (e *Engine) recordSent(ctx context.Context, it model.Dispatch, at time.Time) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	return e.db.InTx(wctx, func(tx *storage.Tx) error {
		_, err := MarkSent(wctx, tx, it.Delivery, at, it.Reminder)
		return err
	})
}

func (e *Engine) finish(log logx.Logger, sum *eventbus.RunSummary, err error) {
	sum.Duration = e.now().Sub(sum.StartedAt)
	if err != nil {
		sum.Error = err.Error()
		log.Error(sum.Kind+" failed", logx.Duration("took", sum.Duration), logx.Err(err))
	} else {
		log.Info(sum.Kind+" completed",
			logx.Duration("took", sum.Duration),
			logx.Int("sent", sum.Sent),
			logx.Int("reminded", sum.Reminded),
			logx.Int("failed", sum.Failed),
		)
	}
	e.metrics.ObserveRun(sum.Kind, sum.Duration, err)
	if st, serr := e.db.Reader().Stats(context.Background()); serr == nil {
		e.metrics.SetInventory(st.ActiveEvents, st.Subscribers)
	}

	typ := eventbus.TypeScanCompleted
	if sum.Kind == KindCountdown {
		typ = eventbus.TypeCountdownCompleted
	}
	e.publish(typ, *sum)
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}

func (e *Engine) logFailures(log logx.Logger, rep notifier.Report) {
	if rep.Failed == 0 && rep.LedgerErrors == 0 {
		return
	}
	log.Warn("dispatch had failures",
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("ledger_errors", rep.LedgerErrors),
		logx.Any("failed_keys", rep.FailedKeys),
	)
}
