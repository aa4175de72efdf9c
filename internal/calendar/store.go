// Package calendar keeps scheduled actions and external calendar events in
// step. Links between the two are weak: deleting either side never deletes
// the other.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/zulandar/memorybridge/internal/config"
)

// ErrEventNotFound is returned when the external event no longer exists.
var ErrEventNotFound = errors.New("calendar: event not found")

// Event is an external calendar event.
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
}

// Store is an external calendar.
type Store interface {
	Create(ctx context.Context, ev Event) (Event, error)
	Update(ctx context.Context, ev Event) (Event, error)
	Get(ctx context.Context, id string) (Event, error)
	Delete(ctx context.Context, id string) error
}

// NewOAuthClient returns an HTTP client that refreshes access tokens from
// the configured refresh token.
func NewOAuthClient(ctx context.Context, cfg config.CalendarConfig) *http.Client {
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
	}
	return oc.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
}

// NewStaticClient returns an HTTP client that sends a fixed bearer token.
func NewStaticClient(ctx context.Context, accessToken string) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
}

// HTTPStore is a Store backed by the Google Calendar v3 API.
type HTTPStore struct {
	calendarID string
	svc        *gcal.Service
}

// NewHTTPStore builds the calendar client against baseURL, usually
// https://www.googleapis.com/calendar/v3/. The client carries
// authentication.
func NewHTTPStore(ctx context.Context, baseURL, calendarID string, client *http.Client) (*HTTPStore, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("calendar: base url is required")
	}
	if calendarID == "" {
		return nil, fmt.Errorf("calendar: calendar id is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	// Request paths resolve relative to the endpoint.
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	svc, err := gcal.NewService(ctx, option.WithHTTPClient(client), option.WithEndpoint(baseURL))
	if err != nil {
		return nil, fmt.Errorf("calendar: new service: %w", err)
	}
	return &HTTPStore{calendarID: calendarID, svc: svc}, nil
}

// CalendarID returns the calendar events are written to.
func (s *HTTPStore) CalendarID() string { return s.calendarID }

func toAPI(ev Event) *gcal.Event {
	return &gcal.Event{
		Id:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: ev.End.UTC().Format(time.RFC3339)},
	}
}

func fromAPI(ev *gcal.Event) (Event, error) {
	start, err := parseEventTime(ev.Start)
	if err != nil {
		return Event{}, fmt.Errorf("event %s start: %w", ev.Id, err)
	}
	end, err := parseEventTime(ev.End)
	if err != nil {
		return Event{}, fmt.Errorf("event %s end: %w", ev.Id, err)
	}
	return Event{ID: ev.Id, Summary: ev.Summary, Description: ev.Description, Start: start, End: end}, nil
}

// parseEventTime reads a timed or all-day event boundary.
func parseEventTime(dt *gcal.EventDateTime) (time.Time, error) {
	switch {
	case dt == nil:
		return time.Time{}, nil
	case dt.DateTime != "":
		return time.Parse(time.RFC3339, dt.DateTime)
	case dt.Date != "":
		return time.Parse("2006-01-02", dt.Date)
	}
	return time.Time{}, nil
}

// mapErr turns 404 and 410 responses into ErrEventNotFound.
func mapErr(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
		return ErrEventNotFound
	}
	return err
}

// Create inserts ev and returns it with its external ID.
func (s *HTTPStore) Create(ctx context.Context, ev Event) (Event, error) {
	in := toAPI(ev)
	in.Id = ""
	out, err := s.svc.Events.Insert(s.calendarID, in).Context(ctx).Do()
	if err != nil {
		return Event{}, fmt.Errorf("calendar: create event: %w", mapErr(err))
	}
	return fromAPI(out)
}

// Update replaces the event with ev.ID.
func (s *HTTPStore) Update(ctx context.Context, ev Event) (Event, error) {
	if ev.ID == "" {
		return Event{}, fmt.Errorf("calendar: update event: id is required")
	}
	out, err := s.svc.Events.Update(s.calendarID, ev.ID, toAPI(ev)).Context(ctx).Do()
	if err != nil {
		return Event{}, fmt.Errorf("calendar: update event %s: %w", ev.ID, mapErr(err))
	}
	return fromAPI(out)
}

// Get fetches one event. Cancelled events count as missing.
func (s *HTTPStore) Get(ctx context.Context, id string) (Event, error) {
	out, err := s.svc.Events.Get(s.calendarID, id).Context(ctx).Do()
	if err != nil {
		return Event{}, fmt.Errorf("calendar: get event %s: %w", id, mapErr(err))
	}
	if out.Status == "cancelled" {
		return Event{}, fmt.Errorf("calendar: get event %s: %w", id, ErrEventNotFound)
	}
	return fromAPI(out)
}

// Delete removes one event. A missing event is not an error.
func (s *HTTPStore) Delete(ctx context.Context, id string) error {
	err := mapErr(s.svc.Events.Delete(s.calendarID, id).Context(ctx).Do())
	if err != nil && !errors.Is(err, ErrEventNotFound) {
		return fmt.Errorf("calendar: delete event %s: %w", id, err)
	}
	return nil
}
