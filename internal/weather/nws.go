package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	DefaultBaseURL   = "https://api.weather.gov"
	DefaultUserAgent = "sbk/1.0 (backup daemon)"
)

// Feed supplies the categories of the currently active alerts.
type Feed interface {
	ActiveCategories(ctx context.Context) ([]Category, error)
}

type Alert struct {
	ID        string
	Event     string
	Headline  string
	Severity  string
	Effective time.Time
	Expires   time.Time
	// Category is empty when the event maps to no category.
	Category Category
}

// NWS queries the active alerts for one point from the National Weather
// Service API.
type NWS struct {
	BaseURL   string
	UserAgent string
	Latitude  float64
	Longitude float64
	Client    *http.Client
}

func NewNWS(latitude, longitude float64, userAgent string) *NWS {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &NWS{
		BaseURL:   DefaultBaseURL,
		UserAgent: userAgent,
		Latitude:  latitude,
		Longitude: longitude,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

type alertsResponse struct {
	Features []struct {
		Properties struct {
			ID        string    `json:"id"`
			Event     string    `json:"event"`
			Headline  string    `json:"headline"`
			Severity  string    `json:"severity"`
			Effective time.Time `json:"effective"`
			Expires   time.Time `json:"expires"`
		} `json:"properties"`
	} `json:"features"`
}

// Alerts returns every active alert at the configured point.
func (n *NWS) Alerts(ctx context.Context) ([]Alert, error) {
	url := fmt.Sprintf("%s/alerts/active?point=%.4f,%.4f", n.BaseURL, n.Latitude, n.Longitude)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build alerts request: %w", err)
	}
	req.Header.Set("User-Agent", n.UserAgent)
	req.Header.Set("Accept", "application/geo+json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch weather alerts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("weather alerts request failed: %s: %s", resp.Status, body)
	}

	var data alertsResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode weather alerts: %w", err)
	}

	alerts := make([]Alert, 0, len(data.Features))
	for _, f := range data.Features {
		p := f.Properties
		cat, _ := CategoryFromEvent(p.Event)
		alerts = append(alerts, Alert{
			ID:        p.ID,
			Event:     p.Event,
			Headline:  p.Headline,
			Severity:  p.Severity,
			Effective: p.Effective,
			Expires:   p.Expires,
			Category:  cat,
		})
	}
	return alerts, nil
}

// ActiveCategories returns the distinct categories of the active alerts in
// order of first appearance.
func (n *NWS) ActiveCategories(ctx context.Context) ([]Category, error) {
	alerts, err := n.Alerts(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[Category]bool)
	var out []Category
	for _, a := range alerts {
		if a.Category == "" || seen[a.Category] {
			continue
		}
		seen[a.Category] = true
		out = append(out, a.Category)
	}

	slog.Debug("Weather alerts fetched", "alerts", len(alerts), "categories", len(out))
	return out, nil
}
