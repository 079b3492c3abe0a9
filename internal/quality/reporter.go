package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mossy-p/screenshare-session/internal/models"
)

// Reporter periodically posts the latest metrics sample to the external
// metrics collaborator (POST /sessions/{id}/stats). Reporting is
// fire-and-forget: failures are logged and the next tick is independent.
type Reporter struct {
	client   *http.Client
	url      string
	interval time.Duration
	source   func() (models.QualityMetrics, bool)
}

// NewReporter creates a reporter. source returns the sample to report and
// false when nothing has been sampled yet.
func NewReporter(baseURL, sessionID, participantID string, interval time.Duration, source func() (models.QualityMetrics, bool)) *Reporter {
	return &Reporter{
		client:   &http.Client{Timeout: 10 * time.Second},
		url:      fmt.Sprintf("%s/sessions/%s/stats?participantId=%s", baseURL, sessionID, participantID),
		interval: interval,
		source:   source,
	}
}

// Run reports until ctx is cancelled
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	m, ok := r.source()
	if !ok {
		return
	}
	body, err := json.Marshal(m)
	if err != nil {
		log.Printf("Failed to marshal stats report: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("Failed to build stats report request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		log.Printf("Failed to report stats: %v", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("Stats report rejected: %s", resp.Status)
	}
}
