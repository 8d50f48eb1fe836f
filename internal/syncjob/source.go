package syncjob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Record is one changed entity reported by a business system.
type Record struct {
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// Source reads changed records from a business system.
type Source interface {
	Changes(ctx context.Context, system, entity string, since time.Time) ([]Record, error)
}

type SystemConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// HTTPSource calls GET <base_url>/integration/changes on each system.
type HTTPSource struct {
	client  *http.Client
	systems map[string]SystemConfig
}

func NewHTTPSource(systems map[string]SystemConfig, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		client:  &http.Client{Timeout: timeout},
		systems: systems,
	}
}

type changesResponse struct {
	Records []Record `json:"records"`
}

func (s *HTTPSource) Changes(ctx context.Context, system, entity string, since time.Time) ([]Record, error) {
	cfg, ok := s.systems[system]
	if !ok || cfg.BaseURL == "" {
		return nil, fmt.Errorf("no base_url configured for system %q", system)
	}

	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("entity", entity)
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/integration/changes?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s changes from %s: %w", entity, system, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch %s changes from %s: status %d: %s", entity, system, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s changes from %s: %w", entity, system, err)
	}
	return out.Records, nil
}
