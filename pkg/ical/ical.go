// Package ical converts between iCalendar payloads and engine events. Only
// the first VEVENT of a payload is considered; the engine never writes
// multi-event objects.
package ical

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/BlackWatch0/avocado/internal/model"
)

const prodID = "-//Avocado//Calendar Sync//EN"

// ParseDateTime reads the three iCalendar date shapes: bare dates, floating
// date-times and UTC date-times. The bool reports a bare date. Floating
// times are taken as UTC.
func ParseDateTime(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)

	if len(s) == 8 {
		t, err := time.Parse("20060102", s)
		return t, true, err
	}
	if len(s) == 15 {
		t, err := time.Parse("20060102T150405", s)
		return t.UTC(), false, err
	}
	if len(s) == 16 && strings.HasSuffix(s, "Z") {
		t, err := time.Parse("20060102T150405Z", s)
		return t, false, err
	}

	t, err := time.Parse(time.RFC3339, s)
	return t, false, err
}

// ParseEvent decodes the first VEVENT of data into an event on calendarID.
// Events without a UID come back with UID empty so callers can drop them.
func ParseEvent(calendarID string, data []byte) (*model.Event, error) {
	comp, err := firstEvent(data)
	if err != nil {
		return nil, err
	}

	ev := &model.Event{CalendarID: calendarID}
	ev.UID = strings.TrimSpace(propText(comp, ical.PropUID))
	ev.Summary = strings.TrimSpace(propText(comp, ical.PropSummary))
	ev.Description = strings.TrimSpace(propText(comp, ical.PropDescription))
	ev.Location = strings.TrimSpace(propText(comp, ical.PropLocation))

	if prop := comp.Props.Get(ical.PropDateTimeStart); prop != nil {
		start, isDate, err := ParseDateTime(prop.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid DTSTART: %w", err)
		}
		ev.Start = start
		ev.AllDay = isDate
	}

	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		end, isDate, err := ParseDateTime(prop.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid DTEND: %w", err)
		}
		if isDate {
			end = endOfDay(end)
		}
		ev.End = end
	} else if prop := comp.Props.Get(ical.PropDuration); prop != nil && !ev.Start.IsZero() {
		dur, err := parseDuration(prop.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid DURATION: %w", err)
		}
		ev.End = ev.Start.Add(dur)
	} else if !ev.Start.IsZero() {
		ev.End = ev.Start.Add(time.Hour)
	}

	return ev, nil
}

// ExtractUID returns the UID of the first VEVENT, or "" when the payload
// cannot be decoded. Used to match resources when the server rejects
// UID-filtered queries.
func ExtractUID(data []byte) string {
	comp, err := firstEvent(data)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(propText(comp, ical.PropUID))
}

// EncodeEvent renders an event as a single-VEVENT calendar. Summary and
// description are always written, even when empty, so a write always clears
// stale values. All-day events are written as bare dates so the flag
// survives a round trip.
func EncodeEvent(e *model.Event) ([]byte, error) {
	cal := &ical.Calendar{
		Component: &ical.Component{
			Name:  ical.CompCalendar,
			Props: ical.Props{},
		},
	}
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	event := &ical.Component{
		Name:  ical.CompEvent,
		Props: make(ical.Props),
	}
	event.Props.SetText(ical.PropUID, e.UID)
	event.Props.SetText(ical.PropSummary, e.Summary)
	event.Props.SetText(ical.PropDescription, e.Description)
	if e.Location != "" {
		event.Props.SetText(ical.PropLocation, e.Location)
	}

	stamp := ical.NewProp(ical.PropDateTimeStamp)
	stamp.SetDateTime(time.Now().UTC())
	event.Props.Set(stamp)

	if !e.Start.IsZero() {
		event.Props.Set(dateTimeProp(ical.PropDateTimeStart, e.Start, e.AllDay))
	}
	if !e.End.IsZero() {
		event.Props.Set(dateTimeProp(ical.PropDateTimeEnd, e.End, e.AllDay))
	}

	cal.Children = []*ical.Component{event}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func dateTimeProp(name string, t time.Time, asDate bool) *ical.Prop {
	prop := ical.NewProp(name)
	if asDate {
		prop.Params.Set(ical.ParamValue, "DATE")
		prop.Value = t.UTC().Format("20060102")
		return prop
	}
	prop.Value = t.UTC().Format("20060102T150405Z")
	return prop
}

func firstEvent(data []byte) (*ical.Component, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar: %w", err)
	}
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			return child, nil
		}
	}
	return nil, fmt.Errorf("no VEVENT in calendar resource")
}

func propText(comp *ical.Component, name string) string {
	if prop := comp.Props.Get(name); prop != nil {
		text, err := prop.Text()
		if err != nil {
			return prop.Value
		}
		return text
	}
	return ""
}

// endOfDay pins a bare-date DTEND to the last second of that day, matching
// how starts pin to midnight.
func endOfDay(t time.Time) time.Time {
	return t.Add(24*time.Hour - time.Second)
}

func parseDuration(durStr string) (time.Duration, error) {
	durStr = strings.TrimSpace(durStr)
	negative := false
	if strings.HasPrefix(durStr, "-") {
		negative = true
		durStr = durStr[1:]
	}
	if !strings.HasPrefix(durStr, "P") {
		return 0, fmt.Errorf("invalid duration format")
	}

	var days, hours, minutes, seconds int
	var inTime bool
	var current strings.Builder

	for _, r := range durStr[1:] {
		switch r {
		case 'W':
			if n, err := strconv.Atoi(current.String()); err == nil {
				days += 7 * n
			}
			current.Reset()
		case 'D':
			if n, err := strconv.Atoi(current.String()); err == nil {
				days += n
			}
			current.Reset()
		case 'T':
			inTime = true
			current.Reset()
		case 'H':
			if inTime {
				if n, err := strconv.Atoi(current.String()); err == nil {
					hours = n
				}
			}
			current.Reset()
		case 'M':
			if inTime {
				if n, err := strconv.Atoi(current.String()); err == nil {
					minutes = n
				}
			}
			current.Reset()
		case 'S':
			if inTime {
				if n, err := strconv.Atoi(current.String()); err == nil {
					seconds = n
				}
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}

	dur := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	if negative {
		dur = -dur
	}
	return dur, nil
}
