package ops

import (
	"context"
	"net/http"
	"time"

	"eventbot/internal/eventbus"
	"eventbot/internal/model"
	"eventbot/internal/storage"
	"eventbot/internal/task/scheduler"
	logx "eventbot/pkg/logx"

	"github.com/gin-gonic/gin"
)

type healthResponse struct {
	Status    string                         `json:"status"`
	Error     string                         `json:"error,omitempty"`
	Store     *storage.Stats                 `json:"store,omitempty"`
	LastRuns  map[string]eventbus.RunSummary `json:"last_runs"`
	Scheduler *scheduler.Snapshot            `json:"scheduler,omitempty"`
	Time      time.Time                      `json:"time"`
}

// health is 200 when the store answers, 503 otherwise.
func (s *Service) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", LastRuns: s.lastRuns(), Time: s.deps.Clock().UTC()}
	if s.deps.Scheduler != nil {
		snap := s.deps.Scheduler.Snapshot()
		resp.Scheduler = &snap
	}
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(ctx); err != nil {
			resp.Status, resp.Error = "unavailable", err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	if s.deps.Tracker != nil {
		st, err := s.deps.Tracker.Stats(ctx)
		if err != nil {
			resp.Status, resp.Error = "degraded", err.Error()
		} else {
			resp.Store = &st
		}
	}
	c.JSON(http.StatusOK, resp)
}

type eventView struct {
	ID        int64      `json:"id"`
	Identity  string     `json:"identity"`
	Title     string     `json:"title"`
	TimeText  string     `json:"time_text"`
	DetailURL string     `json:"detail_url,omitempty"`
	ImageURL  string     `json:"image_url,omitempty"`
	StartAt   *time.Time `json:"start_at,omitempty"`
	EndAt     *time.Time `json:"end_at,omitempty"`
	FirstSeen time.Time  `json:"first_seen_at"`
	LastSeen  time.Time  `json:"last_seen_at"`
}

func viewOf(e model.Event) eventView {
	return eventView{
		ID:        e.ID,
		Identity:  e.SourceIdentity,
		Title:     e.Title,
		TimeText:  e.TimeText,
		DetailURL: e.DetailURL,
		ImageURL:  e.ImageURL,
		StartAt:   e.StartAt,
		EndAt:     e.EndAt,
		FirstSeen: e.FirstSeenAt,
		LastSeen:  e.LastSeenAt,
	}
}

func (s *Service) currentEvents(c *gin.Context) ([]model.Event, bool) {
	if s.deps.Tracker == nil {
		return nil, true
	}
	events, err := s.deps.Tracker.Current(c.Request.Context())
	if err != nil {
		s.log.Warn("list current events failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list events failed"})
		return nil, false
	}
	return events, true
}

func (s *Service) events(c *gin.Context) {
	events, ok := s.currentEvents(c)
	if !ok {
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, viewOf(e))
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "events": out})
}

func (s *Service) calendar(c *gin.Context) {
	events, ok := s.currentEvents(c)
	if !ok {
		return
	}
	body := BuildCalendar(s.cfg.CalendarName, events, s.deps.Clock())
	c.Header("Content-Disposition", `inline; filename="events.ics"`)
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", []byte(body))
}
