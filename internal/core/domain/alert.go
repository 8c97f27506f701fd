package domain

import "time"

type AlertType string

const (
	AlertWhaleBet       AlertType = "whale_bet"
	AlertVolumeSpike    AlertType = "volume_spike"
	AlertSentimentShift AlertType = "sentiment_shift"
	AlertAnomaly        AlertType = "anomaly"
)

// Alert is created by the orchestrator or the batch worker and marked sent by
// the delivery service.
type Alert struct {
	ID          string         `json:"id"`
	Type        AlertType      `json:"type"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context"`
	Fingerprint string         `json:"fingerprint"`
	Sent        bool           `json:"sent"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ContextString returns a string value from the alert context.
func (a *Alert) ContextString(key string) string {
	if a.Context == nil {
		return ""
	}
	if v, ok := a.Context[key].(string); ok {
		return v
	}
	return ""
}
