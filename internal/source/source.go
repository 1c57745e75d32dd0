// Package source fetches the upstream event list and turns it into
// model.ScrapedEvent candidates.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"eventbot/internal/model"
	logx "eventbot/pkg/logx"
)

// ErrUpstream wraps transport and payload failures of the news API.
var ErrUpstream = errors.New("source: upstream failure")

const maxBody = 4 << 20

type Config struct {
	// PageURL is the public page; relative links resolve against it.
	PageURL      string
	APIURL       string
	GameCode     string
	CategoryCode int
	PageSize     int
	Timeout      time.Duration
	// Location is the zone the source writes wall-clock times in.
	Location  *time.Location
	UserAgent string
}

// Scraper reads one category of the news list API.
type Scraper struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "eventbot/1.0"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scraper{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With(logx.String("comp", "source")),
	}
}

type newsItem struct {
	Title         string `json:"Title"`
	Summary       string `json:"Summary"`
	OutLink       string `json:"OutLink"`
	HomeImagePath string `json:"HomeImagePath"`
}

type newsPayload struct {
	// Code arrives as a number or a string depending on the endpoint version.
	Code json.RawMessage `json:"Code"`
	Data []newsItem      `json:"Data"`
}

func (p newsPayload) ok() bool {
	return strings.Trim(strings.TrimSpace(string(p.Code)), `"`) == "0"
}

// Fetch returns the current candidates. A payload whose Code is not "0"
// yields an empty list; HTTP and decoding problems wrap ErrUpstream.
func (s *Scraper) Fetch(ctx context.Context) ([]model.ScrapedEvent, error) {
	items, err := s.fetchCategory(ctx)
	if err != nil {
		return nil, err
	}
	out := s.convert(items)
	s.log.Debug("source fetched", logx.Int("items", len(items)), logx.Int("events", len(out)))
	return out, nil
}

func (s *Scraper) fetchCategory(ctx context.Context) ([]newsItem, error) {
	u, err := url.Parse(s.cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("source api url: %w", err)
	}
	q := u.Query()
	q.Set("gameCode", s.cfg.GameCode)
	q.Set("CategoryCode", strconv.Itoa(s.cfg.CategoryCode))
	q.Set("pageIndex", "0")
	q.Set("pageSize", strconv.Itoa(s.cfg.PageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	if s.cfg.PageURL != "" {
		req.Header.Set("Referer", s.cfg.PageURL)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUpstream, resp.StatusCode)
	}

	var payload newsPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	if !payload.ok() {
		s.log.Warn("source returned non-zero code", logx.String("code", string(payload.Code)))
		return nil, nil
	}
	return payload.Data, nil
}

func (s *Scraper) convert(items []newsItem) []model.ScrapedEvent {
	type key struct{ title, timeText, detail string }
	seen := make(map[key]struct{}, len(items))
	out := make([]model.ScrapedEvent, 0, len(items))
	for _, it := range items {
		title := cleanText(it.Title)
		if title == "" {
			continue
		}
		raw := cleanText(it.Summary)
		timeText := cleanText(timePrefix.ReplaceAllString(raw, ""))
		if timeText == "" {
			timeText = raw
		}
		detail := resolve(s.cfg.PageURL, it.OutLink)
		image := resolve(s.cfg.PageURL, it.HomeImagePath)

		k := key{title, timeText, detail}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		start, end := ParseTimeRange(timeText, s.cfg.Location)
		out = append(out, model.ScrapedEvent{
			Title:     title,
			TimeText:  timeText,
			DetailURL: detail,
			ImageURL:  image,
			StartAt:   start,
			EndAt:     end,
		})
	}
	return out
}

// resolve joins ref against base the way a browser would. Empty refs stay
// empty; unparsable ones are returned trimmed.
func resolve(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return r.String()
	}
	return b.ResolveReference(r).String()
}
