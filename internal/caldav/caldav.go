// Package caldav talks to the CalDAV server holding every layer of the
// calendar system. One client is built per sync run so no state leaks
// between runs.
package caldav

import (
	"context"
	"strings"
	"time"

	"github.com/BlackWatch0/avocado/internal/model"
)

// Service is the calendar surface the engine and admin API drive.
type Service interface {
	ListCalendars(ctx context.Context) ([]model.CalendarInfo, error)
	EnsureCalendar(ctx context.Context, calendarID, name string) (model.CalendarInfo, error)
	FetchEvents(ctx context.Context, calendarID string, start, end time.Time) ([]*model.Event, error)
	UpsertEvent(ctx context.Context, calendarID string, ev *model.Event) (*model.Event, error)
	// DeleteEvent resolves by href first, then by UID. It reports whether a
	// resource was actually removed; failures count as not removed.
	DeleteEvent(ctx context.Context, calendarID, uid, href string) bool
	GetEventByUID(ctx context.Context, calendarID, uid string) (*model.Event, error)
}

// NormalizeCalendarID strips whitespace and the trailing slash servers
// sometimes add, so stored ids keep matching server paths.
func NormalizeCalendarID(value string) string {
	return strings.TrimRight(strings.TrimSpace(value), "/")
}

// NormalizeCalendarName collapses runs of whitespace and lowercases, so
// display names compare the way users read them.
func NormalizeCalendarName(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}

// SuggestImmutableCalendarIDs returns the ids of calendars whose name
// contains any of the keywords, case-insensitively.
func SuggestImmutableCalendarIDs(calendars []model.CalendarInfo, keywords []string) map[string]bool {
	normalized := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" {
			normalized = append(normalized, keyword)
		}
	}
	suggested := map[string]bool{}
	if len(normalized) == 0 {
		return suggested
	}
	for _, cal := range calendars {
		name := strings.ToLower(cal.Name)
		for _, keyword := range normalized {
			if strings.Contains(name, keyword) {
				suggested[cal.ID] = true
				break
			}
		}
	}
	return suggested
}
