package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/invorto/voicecore/internal/tools/builtin"
)

// httpCalendarBackend implements builtin.CalendarBackend against a remote
// scheduling service's REST API: GET /availability?when=... and
// POST /bookings.
type httpCalendarBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// newHTTPCalendarBackend creates a CalendarBackend backed by baseURL. It
// always returns a backend; an empty baseURL is not checked here.
func newHTTPCalendarBackend(baseURL, apiKey string) builtin.CalendarBackend {
	return &httpCalendarBackend{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type availabilityResponse struct {
	Slots []struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"slots"`
}

func (b *httpCalendarBackend) AvailableSlots(ctx context.Context, when string) ([]builtin.Slot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/availability?when="+when, nil)
	if err != nil {
		return nil, err
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar: availability request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar: availability status %d", resp.StatusCode)
	}

	var body availabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("calendar: decode availability: %w", err)
	}

	slots := make([]builtin.Slot, 0, len(body.Slots))
	for _, s := range body.Slots {
		slots = append(slots, builtin.Slot{Start: s.Start, End: s.End})
	}
	return slots, nil
}

type bookRequest struct {
	Start    time.Time `json:"start"`
	Duration int64     `json:"durationSeconds"`
}

type bookResponse struct {
	ConfirmationID string `json:"confirmationId"`
}

func (b *httpCalendarBackend) Book(ctx context.Context, start time.Time, duration time.Duration) (string, error) {
	body, err := json.Marshal(bookRequest{Start: start, Duration: int64(duration.Seconds())})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/bookings", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calendar: book request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("calendar: book status %d", resp.StatusCode)
	}

	var out bookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("calendar: decode booking: %w", err)
	}
	return out.ConfirmationID, nil
}

func (b *httpCalendarBackend) authorize(r *http.Request) {
	if b.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}
