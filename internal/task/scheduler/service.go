package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "eventbot/pkg/logx"

	"github.com/robfig/cron/v3"
)


// cronParser accepts 5-field and 6-field (with seconds) specs plus descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		parser: cronParser,
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Add parses schedule and registers job under name, replacing any previous
// schedule with the same name. A zero timeout uses Config.DefaultTimeout.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: ps.CronSpec(), timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// registered on Start
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.logRegisteredLocked(d)
	return nil
}

// Remove unregisters name. In-flight runs finish normally.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// Start begins triggering. Runs derive their context from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.base, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
			continue
		}
		s.logRegisteredLocked(d)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering, cancels in-flight runs and waits for them to
// return (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running jobs")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) run(parent context.Context, d *scheduleDef) (bool, error) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Warn("previous run still in flight; skipped", logx.String("name", d.name))
		return false, nil
	}
	defer d.running.Store(false)

	timeout := d.timeout
	if timeout <= 0 {
		s.mu.Lock()
		timeout = s.cfg.DefaultTimeout
		s.mu.Unlock()
	}
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.safeCall(ctx, d)
	dur := time.Since(start)

	d.runs.Add(1)
	d.lastMu.Lock()
	d.lastDur, d.lastEnd, d.lastErr = dur, time.Now(), ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.lastMu.Unlock()

	if err != nil {
		d.failures.Add(1)
		s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("took", dur), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("name", d.name), logx.Duration("took", dur))
	}
	return true, err
}

func (s *Service) safeCall(ctx context.Context, d *scheduleDef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in job", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 24)))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.job(ctx)
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	base := s.base
	job := cron.FuncJob(func() { _, _ = s.run(base, d) })

	// Interval schedules get a startup spread so they don't all fire at once.
	if every, ok := everyOf(d.spec); ok {
		sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(s.loc), d.name)
		d.startupSpread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) logRegisteredLocked(d *scheduleDef) {
	fields := []logx.Field{logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("timeout", d.timeout)}
	if d.startupSpread > 0 {
		fields = append(fields, logx.Duration("startup_spread", d.startupSpread))
	}
	if next := s.previewNextRunsLocked(d.spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
}

// previewNextRunsLocked returns upcoming run times for spec in the
// scheduler timezone. Only computed when debug logging is on.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// Snapshot reports registered schedules and their run counters.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: strings.TrimSpace(s.cfg.Timezone)}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec,
			Timeout:  d.timeout,
			Running:  d.running.Load(),
			Runs:     d.runs.Load(),
			Skipped:  d.skipped.Load(),
			Failures: d.failures.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.lastMu.Lock()
		it.LastError, it.LastDuration, it.LastFinished = d.lastErr, d.lastDur, d.lastEnd
		d.lastMu.Unlock()
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}
