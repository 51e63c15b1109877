package presence

import (
	"context"
	"fmt"
	"time"

	"parley/internal/models"
)

const DefaultTimeframe = "24h"

var timeframes = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// Statistics aggregates presence over a trailing window. It never carries message text.
type Statistics struct {
	Total      int                   `json:"total"`
	Online     int                   `json:"online"`
	OOFEnabled int                   `json:"oofEnabled"`
	ByStatus   map[models.Status]int `json:"byStatus"`
}

// ParseTimeframe maps a timeframe label to its window. Empty means DefaultTimeframe.
func ParseTimeframe(tf string) (string, time.Duration, error) {
	if tf == "" {
		tf = DefaultTimeframe
	}
	d, ok := timeframes[tf]
	if !ok {
		return "", 0, models.Invalid("timeframe", fmt.Sprintf("unknown timeframe %q (use 1h, 24h, 7d or 30d)", tf))
	}
	return tf, d, nil
}

// Statistics counts records active within the timeframe, grouped by stored status.
// Authorization is the caller's job.
func (s *Service) Statistics(ctx context.Context, timeframe string) (Statistics, error) {
	_, window, err := ParseTimeframe(timeframe)
	if err != nil {
		return Statistics{}, err
	}

	now := s.now()
	since := now.Add(-window)

	stats := Statistics{ByStatus: make(map[models.Status]int, len(models.Statuses))}
	for _, st := range models.Statuses {
		stats.ByStatus[st] = 0
	}

	for _, rec := range s.snapshot() {
		if rec.LastActiveAt.Before(since) {
			continue
		}
		stats.Total++
		stats.ByStatus[rec.Status]++
		if rec.OOFEnabled {
			stats.OOFEnabled++
		}
		if s.live(rec, now) {
			stats.Online++
		}
	}
	return stats, nil
}
