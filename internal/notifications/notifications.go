package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ntfy priorities
const (
	PriorityDefault = 3
	PriorityHigh    = 4
)

// Alert is one ntfy message. The topic is filled in by Send.
type Alert struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

var (
	client      *http.Client
	topic       string
	baseURL     = "https://ntfy.sh"
	initialized bool
)

// Init enables ntfy alerts. An empty topic leaves them disabled.
func Init(ntfyTopic string) {
	if ntfyTopic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return
	}

	client = &http.Client{Timeout: 10 * time.Second}
	topic = ntfyTopic
	initialized = true

	log.Info().Str("topic", topic).Msg("Ntfy notifications initialized")
}

func Send(a Alert) error {
	if !initialized {
		return fmt.Errorf("notifications not initialized")
	}
	a.Topic = topic

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().Str("title", a.Title).Int("status", resp.StatusCode).Msg("Alert sent")
	return nil
}

// OutletUnplugged alerts that an outlet stopped reporting and was locked off.
func OutletUnplugged(outletKey string) {
	notify(Alert{
		Title:    "Outlet unplugged",
		Message:  outletKey + " stopped reporting and was switched off",
		Priority: PriorityHigh,
		Tags:     []string{"electric_plug", outletKey},
	})
}

// CombinedLimitReached alerts that a department hit its shared monthly limit.
func CombinedLimitReached(department, reason string) {
	notify(Alert{
		Title:    "Combined limit reached",
		Message:  department + ": " + reason,
		Priority: PriorityDefault,
		Tags:     []string{"zap", department},
	})
}

// notify sends in the background and only logs failures.
func notify(a Alert) {
	if !initialized {
		return
	}
	go func() {
		if err := Send(a); err != nil {
			log.Warn().Err(err).Str("title", a.Title).Msg("Failed to send alert")
		}
	}()
}
