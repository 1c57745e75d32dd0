package tracker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eventbot/internal/eventbus"
	"eventbot/internal/model"
	"eventbot/internal/notifier"
	"eventbot/internal/storage"
	logx "eventbot/pkg/logx"

	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "tracker.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func at(d time.Duration) *time.Time {
	v := base.Add(d)
	return &v
}

func scraped(title string, start, end *time.Time) model.ScrapedEvent {
	return model.ScrapedEvent{
		Title:     title,
		TimeText:  "text " + title,
		DetailURL: "https://ff.sdo.com/" + title,
		StartAt:   start,
		EndAt:     end,
	}
}

func inTx(t *testing.T, db *storage.DB, fn func(tx *storage.Tx) error) {
	t.Helper()
	require.NoError(t, db.InTx(context.Background(), fn))
}

func syncOnce(t *testing.T, db *storage.DB, now time.Time, snap ...model.ScrapedEvent) SyncResult {
	t.Helper()
	var res SyncResult
	inTx(t, db, func(tx *storage.Tx) error {
		var err error
		res, err = Synchronize(context.Background(), tx, snap, now)
		return err
	})
	return res
}

func addSubscriber(t *testing.T, db *storage.DB, externalID int64) model.Subscriber {
	t.Helper()
	var s model.Subscriber
	inTx(t, db, func(tx *storage.Tx) error {
		var err error
		s, err = tx.UpsertSubscriber(context.Background(), model.SubscriberProfile{ExternalID: externalID, Username: "u"}, base)
		return err
	})
	return s
}

type fakeSource struct {
	mu   sync.Mutex
	snap []model.ScrapedEvent
	err  error
	// wait, when set, runs before the snapshot is returned.
	wait func(ctx context.Context) error
}

func (f *fakeSource) set(snap ...model.ScrapedEvent) {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

func (f *fakeSource) Fetch(ctx context.Context) ([]model.ScrapedEvent, error) {
	f.mu.Lock()
	wait := f.wait
	f.mu.Unlock()
	if wait != nil {
		if err := wait(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ScrapedEvent(nil), f.snap...), f.err
}

type fakeDispatcher struct {
	mu      sync.Mutex
	clock   func() time.Time
	batches [][]model.Dispatch
	fail    func(model.Dispatch) bool
	reject  func(model.Dispatch) bool
	// before, when set, runs at the start of every batch.
	before func(items []model.Dispatch)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, items []model.Dispatch, onSent notifier.SentFunc) notifier.Report {
	f.mu.Lock()
	f.batches = append(f.batches, items)
	fail, reject, before := f.fail, f.reject, f.before
	f.mu.Unlock()
	if before != nil {
		before(items)
	}

	var rep notifier.Report
	for _, it := range items {
		if reject != nil && reject(it) {
			rep.Failed++
			rep.FailedKeys = append(rep.FailedKeys, notifier.Key(it))
			rep.Rejected = append(rep.Rejected, it.Delivery.ID)
			continue
		}
		if fail != nil && fail(it) {
			rep.Failed++
			rep.FailedKeys = append(rep.FailedKeys, notifier.Key(it))
			continue
		}
		rep.Sent++
		if onSent != nil {
			if err := onSent(ctx, it, f.clock()); err != nil {
				rep.LedgerErrors++
			}
		}
	}
	return rep
}

func (f *fakeDispatcher) all() []model.Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Dispatch
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeDispatcher) reminders() int {
	n := 0
	for _, it := range f.all() {
		if it.Reminder {
			n++
		}
	}
	return n
}

func (f *fakeDispatcher) reset() {
	f.mu.Lock()
	f.batches = nil
	f.mu.Unlock()
}

type harness struct {
	db   *storage.DB
	src  *fakeSource
	disp *fakeDispatcher
	bus  eventbus.Bus
	eng  *Engine

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{db: openDB(t), src: &fakeSource{}, bus: eventbus.New(), now: base}
	h.disp = &fakeDispatcher{clock: h.clock}
	h.eng = New(Deps{DB: h.db, Source: h.src, Dispatcher: h.disp, Bus: h.bus, Clock: h.clock}, opts)
	return h
}

func defaultOptions() Options {
	return Options{ReminderWindow: 3 * 24 * time.Hour, SweepOnScan: true}
}

func scanWaiters(e *Engine) int {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	return e.scanWaiters
}
