package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	webdav "github.com/yinjun1991/caldav-client-go"
	cdav "github.com/yinjun1991/caldav-client-go/caldav"

	"github.com/BlackWatch0/avocado/internal/cache"
	"github.com/BlackWatch0/avocado/internal/config"
	"github.com/BlackWatch0/avocado/internal/model"
	"github.com/BlackWatch0/avocado/pkg/ical"
)

const calendarListKey = "calendars"

// Client implements Service against a live server. The connection is built
// lazily on first use; the calendar list is cached briefly so one run does
// not PROPFIND the home set a dozen times.
type Client struct {
	cfg    config.CalDAVConfig
	logger zerolog.Logger

	mu      sync.Mutex
	http    webdav.HTTPClient
	dav     *cdav.Client
	base    *url.URL
	homeSet string

	calendars *cache.Cache[string, []model.CalendarInfo]
}

func New(cfg config.CalDAVConfig, logger zerolog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		logger:    logger,
		calendars: cache.New[string, []model.CalendarInfo](30 * time.Second),
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dav != nil {
		return nil
	}
	if c.cfg.BaseURL == "" || c.cfg.Username == "" {
		return fmt.Errorf("caldav config is incomplete")
	}
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("parse caldav base url: %w", err)
	}
	httpClient := webdav.HTTPClientWithBasicAuth(
		&http.Client{Timeout: 60 * time.Second}, c.cfg.Username, c.cfg.Password)
	dav, err := cdav.NewClient(httpClient, c.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("build caldav client: %w", err)
	}
	principal, err := dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("find principal: %w", err)
	}
	homeSet, err := dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return fmt.Errorf("find calendar home set: %w", err)
	}
	c.http = httpClient
	c.dav = dav
	c.base = base
	c.homeSet = homeSet
	return nil
}

func (c *Client) ListCalendars(ctx context.Context) ([]model.CalendarInfo, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	if cached, ok := c.calendars.Get(calendarListKey); ok {
		return cached, nil
	}
	found, err := c.dav.FindCalendars(ctx, c.homeSet)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	infos := make([]model.CalendarInfo, 0, len(found))
	for _, cal := range found {
		name := cal.Name
		if name == "" {
			name = cal.Path
		}
		infos = append(infos, model.CalendarInfo{ID: cal.Path, Name: name, URL: cal.Path})
	}
	c.calendars.Set(calendarListKey, infos)
	return infos, nil
}

// EnsureCalendar resolves a managed calendar by id, then by display name,
// and creates it when neither matches. Name matches are resolved to the
// lowest id so repeated runs pick the same collection.
func (c *Client) EnsureCalendar(ctx context.Context, calendarID, name string) (model.CalendarInfo, error) {
	calendars, err := c.ListCalendars(ctx)
	if err != nil {
		return model.CalendarInfo{}, err
	}
	if info, ok := matchCalendar(calendars, calendarID, name); ok {
		return info, nil
	}

	createdID, err := c.makeCalendar(ctx, name)
	if err != nil {
		return model.CalendarInfo{}, err
	}
	c.calendars.Flush()
	refreshed, err := c.ListCalendars(ctx)
	if err != nil {
		return model.CalendarInfo{}, err
	}
	if info, ok := matchCalendar(refreshed, createdID, name); ok {
		return info, nil
	}
	return model.CalendarInfo{ID: createdID, Name: name, URL: createdID}, nil
}

func matchCalendar(calendars []model.CalendarInfo, calendarID, name string) (model.CalendarInfo, bool) {
	if id := NormalizeCalendarID(calendarID); id != "" {
		for _, info := range calendars {
			if NormalizeCalendarID(info.ID) == id {
				return info, true
			}
		}
	}
	if want := NormalizeCalendarName(name); want != "" {
		var sameName []model.CalendarInfo
		for _, info := range calendars {
			if NormalizeCalendarName(info.Name) == want {
				sameName = append(sameName, info)
			}
		}
		if len(sameName) > 0 {
			sort.Slice(sameName, func(i, j int) bool { return sameName[i].ID < sameName[j].ID })
			return sameName[0], true
		}
	}
	return model.CalendarInfo{}, false
}

func (c *Client) makeCalendar(ctx context.Context, name string) (string, error) {
	path := c.homeSet
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	path += uuid.NewString() + "/"

	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(name)); err != nil {
		return "", err
	}
	body := `<?xml version="1.0" encoding="utf-8"?>` +
		`<C:mkcalendar xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">` +
		`<D:set><D:prop>` +
		`<D:displayname>` + escaped.String() + `</D:displayname>` +
		`<C:supported-calendar-component-set><C:comp name="VEVENT"/></C:supported-calendar-component-set>` +
		`</D:prop></D:set></C:mkcalendar>`

	req, err := http.NewRequestWithContext(ctx, "MKCALENDAR", c.absURL(path), strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create calendar %q: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("create calendar %q: HTTP %d", name, resp.StatusCode)
	}
	c.logger.Info().Str("path", path).Str("name", name).Msg("created calendar collection")
	return path, nil
}

func (c *Client) absURL(path string) string {
	return c.base.ResolveReference(&url.URL{Path: path}).String()
}

func (c *Client) FetchEvents(ctx context.Context, calendarID string, start, end time.Time) ([]*model.Event, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	objects, err := c.dav.CalendarQueryRange(ctx, calendarID, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch events from %s: %w", calendarID, err)
	}
	events := make([]*model.Event, 0, len(objects))
	for _, obj := range objects {
		ev, err := c.parseObject(calendarID, obj.Path, obj.Data)
		if err != nil {
			return nil, err
		}
		if ev.UID == "" {
			continue
		}
		realignRecurring(ev, obj.Data, start, end)
		events = append(events, ev)
	}
	return events, nil
}

// parseObject decodes a calendar resource. The version token is a content
// hash rather than the server ETag, so compares hold across servers that
// rewrite ETags on read. Line endings are normalized first: REPORT payloads
// arrive LF-normalized by XML decoding while locally encoded ones are CRLF.
func (c *Client) parseObject(calendarID, path string, data []byte) (*model.Event, error) {
	ev, err := ical.ParseEvent(calendarID, data)
	if err != nil {
		return nil, fmt.Errorf("parse event %s: %w", path, err)
	}
	ev.Href = path
	ev.ETag = model.HashText(strings.ReplaceAll(string(data), "\r\n", "\n"))
	return ev, nil
}

// realignRecurring moves an unexpanded recurring master onto its first
// instance inside the window. Servers that honor expand never hand us
// masters, so this only fires for those that do not.
func realignRecurring(ev *model.Event, data []byte, start, end time.Time) {
	if ev.Start.IsZero() || start.IsZero() || end.IsZero() {
		return
	}
	if ev.Start.Before(end) && ev.End.After(start) {
		return
	}
	duration := ev.End.Sub(ev.Start)
	next, ok := ical.NextOccurrenceInWindow(data, duration, start, end)
	if !ok {
		return
	}
	ev.Start = next
	ev.End = next.Add(duration)
}

func (c *Client) UpsertEvent(ctx context.Context, calendarID string, ev *model.Event) (*model.Event, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	raw, err := ical.EncodeEvent(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.UID, err)
	}

	href := ev.Href
	if href != "" {
		if _, err := c.dav.PutCalendarObject(ctx, href, bytes.NewReader(raw), nil); err != nil {
			c.logger.Debug().Err(err).Str("href", href).Msg("put by href failed, retrying by uid")
			href = ""
		}
	}
	if href == "" {
		if existing := c.findObjectByUID(ctx, calendarID, ev.UID); existing != nil {
			if _, err := c.dav.PutCalendarObject(ctx, existing.Path, bytes.NewReader(raw), nil); err != nil {
				return nil, fmt.Errorf("update event %s: %w", ev.UID, err)
			}
			href = existing.Path
		}
	}
	if href == "" {
		createPath := c.objectPath(calendarID, ev.UID)
		opts := &cdav.PutCalendarObjectOptions{IfNoneMatch: "*"}
		if _, err := c.dav.PutCalendarObject(ctx, createPath, bytes.NewReader(raw), opts); err != nil {
			// Some backends race on UID uniqueness checks.
			existing := c.findObjectByUID(ctx, calendarID, ev.UID)
			if existing == nil {
				return nil, fmt.Errorf("create event %s: %w", ev.UID, err)
			}
			if _, err := c.dav.PutCalendarObject(ctx, existing.Path, bytes.NewReader(raw), nil); err != nil {
				return nil, fmt.Errorf("update event %s: %w", ev.UID, err)
			}
			href = existing.Path
		} else {
			href = createPath
		}
	}

	saved, err := c.parseObject(calendarID, href, raw)
	if err != nil {
		return nil, err
	}
	saved.Source = ev.Source
	saved.Locked = ev.Locked
	saved.Mandatory = ev.Mandatory
	saved.OriginalCalendarID = ev.OriginalCalendarID
	saved.OriginalUID = ev.OriginalUID
	return saved, nil
}

func (c *Client) objectPath(calendarID, uid string) string {
	path := calendarID
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path + url.PathEscape(uid) + ".ics"
}

// findObjectByUID asks the server for a UID match, then falls back to
// scanning the collection for servers whose text-match REPORT is broken.
// Lookup failures are treated as not found.
func (c *Client) findObjectByUID(ctx context.Context, calendarID, uid string) *cdav.CalendarObject {
	if uid == "" {
		return nil
	}
	query := &cdav.CalendarQueryRequest{
		CompRequest: cdav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			Comps:    []cdav.CalendarCompRequest{{Name: "VEVENT", AllProps: true}},
		},
		Filter: cdav.CompFilter{
			Name: "VCALENDAR",
			Comps: []cdav.CompFilter{{
				Name:  "VEVENT",
				Props: []cdav.PropFilter{{Name: "UID", TextMatch: &cdav.TextMatch{Text: uid}}},
			}},
		},
	}
	objects, err := c.dav.CalendarQuery(ctx, calendarID, query)
	if err == nil {
		for i := range objects {
			if ical.ExtractUID(objects[i].Data) == uid {
				return &objects[i]
			}
		}
	} else {
		c.logger.Debug().Err(err).Str("uid", uid).Msg("uid query failed, scanning collection")
	}

	listed, err := c.dav.ListCalendarObjects(ctx, calendarID, true)
	if err != nil {
		c.logger.Debug().Err(err).Str("calendar_id", calendarID).Msg("collection scan failed")
		return nil
	}
	for _, obj := range listed {
		if ical.ExtractUID(obj.Data) == uid {
			return obj
		}
	}
	return nil
}

func (c *Client) DeleteEvent(ctx context.Context, calendarID, uid, href string) bool {
	if err := c.connect(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("delete skipped, connect failed")
		return false
	}
	if href != "" {
		err := c.dav.DeleteCalendarObjectSimple(ctx, href)
		if err == nil {
			return true
		}
		c.logger.Debug().Err(err).Str("href", href).Msg("delete by href failed, retrying by uid")
	}
	if uid == "" {
		return false
	}
	obj := c.findObjectByUID(ctx, calendarID, uid)
	if obj == nil {
		return false
	}
	if err := c.dav.DeleteCalendarObjectSimple(ctx, obj.Path); err != nil {
		c.logger.Debug().Err(err).Str("uid", uid).Msg("delete by uid failed")
		return false
	}
	return true
}

func (c *Client) GetEventByUID(ctx context.Context, calendarID, uid string) (*model.Event, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	obj := c.findObjectByUID(ctx, calendarID, uid)
	if obj == nil {
		return nil, nil
	}
	return c.parseObject(calendarID, obj.Path, obj.Data)
}
