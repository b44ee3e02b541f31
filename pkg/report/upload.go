package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ormasoftchile/tollgate/pkg/logging"
	"github.com/ormasoftchile/tollgate/pkg/metrics"
	runtest "github.com/ormasoftchile/tollgate/pkg/testing"
)

// Environment variables read by the CLI to configure uploads.
const (
	EnvStatsURL    = "TOLLGATE_STATS_URL"
	EnvStatsAPIKey = "TOLLGATE_STATS_API_KEY"
)

// APIKeyHeader carries the collector's API key.
const APIKeyHeader = "X-API-Key"

// Stats is one scenario's build metrics as posted to the collector.
type Stats struct {
	RunID    string             `json:"run_id"`
	Scenario string             `json:"scenario"`
	Status   string             `json:"status"`
	Builder  string             `json:"builder,omitempty"`
	JDK      string             `json:"jdk,omitempty"`
	Metrics  json.RawMessage    `json:"metrics"`
	Measured map[string]float64 `json:"measured,omitempty"`
}

// Uploader posts build metrics to a stats collector.
type Uploader struct {
	URL    string
	APIKey string
	Client *http.Client
	Logger *slog.Logger
}

// Upload posts one Stats document per scenario that produced build metrics.
// Every scenario is attempted; failures are joined.
func (u *Uploader) Upload(ctx context.Context, output *runtest.TestOutput) error {
	if u.URL == "" {
		return errors.New("stats upload: no collector URL")
	}
	log := logging.OrDiscard(u.Logger)
	var errs []error
	for _, s := range output.Scenarios {
		if len(s.Metrics) == 0 {
			continue
		}
		st := Stats{
			RunID:    s.RunID,
			Scenario: s.ScenarioName,
			Status:   s.Status,
			Builder:  output.Builder,
			JDK:      output.JDK,
			Metrics:  json.RawMessage(metrics.ToJSON(s.Metrics)),
			Measured: available(s.Measured),
		}
		if err := u.post(ctx, st); err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", s.ScenarioName, err))
			continue
		}
		log.Info("uploaded build metrics", "scenario", s.ScenarioName, "keys", len(s.Metrics))
	}
	return errors.Join(errs...)
}

func (u *Uploader) post(ctx context.Context, st Stats) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.APIKey != "" {
		req.Header.Set(APIKeyHeader, u.APIKey)
	}

	client := u.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("collector returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

func available(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if v >= 0 {
			out[k] = v
		}
	}
	return out
}
