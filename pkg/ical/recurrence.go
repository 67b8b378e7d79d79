package ical

import (
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// NextOccurrenceInWindow expands the recurrence of the first VEVENT and
// returns its earliest instance whose span overlaps the window. Servers that
// honor expand never hand us recurring masters, so this only runs as a
// fallback for those that do not. Returns false when the event does not
// recur or no instance lands in the window.
func NextOccurrenceInWindow(data []byte, duration time.Duration, windowStart, windowEnd time.Time) (time.Time, bool) {
	comp, err := firstEvent(data)
	if err != nil {
		return time.Time{}, false
	}

	start := time.Time{}
	if prop := comp.Props.Get(ical.PropDateTimeStart); prop != nil {
		parsed, _, err := ParseDateTime(prop.Value)
		if err != nil {
			return time.Time{}, false
		}
		start = parsed
	}

	var instances []time.Time

	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil && !start.IsZero() {
		ruleStr := "DTSTART:" + start.UTC().Format("20060102T150405Z") + "\nRRULE:" + prop.Value
		rule, err := rrule.StrToRRule(ruleStr)
		if err != nil {
			return time.Time{}, false
		}
		if duration < 0 {
			duration = 0
		}
		instances = rule.Between(windowStart.Add(-duration), windowEnd, true)
	}

	for _, prop := range comp.Props.Values(ical.PropRecurrenceDates) {
		instances = append(instances, parseMultipleDates(prop.Value)...)
	}
	if len(instances) == 0 {
		return time.Time{}, false
	}

	var exdates []time.Time
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		exdates = append(exdates, parseMultipleDates(prop.Value)...)
	}
	instances = filterExcludedDates(instances, exdates)

	sort.Slice(instances, func(i, j int) bool { return instances[i].Before(instances[j]) })

	for _, instance := range instances {
		if instance.Before(windowEnd) && instance.Add(duration).After(windowStart) {
			return instance, true
		}
	}
	return time.Time{}, false
}

func parseMultipleDates(value string) []time.Time {
	var dates []time.Time
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		date, _, err := ParseDateTime(part)
		if err != nil {
			continue
		}
		dates = append(dates, date)
	}
	return dates
}

func filterExcludedDates(instances, exdates []time.Time) []time.Time {
	if len(exdates) == 0 {
		return instances
	}
	exclude := make(map[string]bool, len(exdates))
	for _, exdate := range exdates {
		exclude[exdate.Format("20060102T150405Z")] = true
	}
	var filtered []time.Time
	for _, instance := range instances {
		if !exclude[instance.Format("20060102T150405Z")] {
			filtered = append(filtered, instance)
		}
	}
	return filtered
}
