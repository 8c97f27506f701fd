package alert

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vietddude/polywatch/internal/core/domain"
)

// Message is the sink-neutral rendering of an alert.
type Message struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Color       int       `json:"color"`
	Fields      []Field   `json:"fields,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Field is one labelled value in a Message.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Formatter renders one alert type.
type Formatter func(a *domain.Alert) (Message, error)

var errMissingContext = errors.New("missing alert context")

var severityColors = map[domain.Severity]int{
	domain.SeverityCritical: 0xE74C3C,
	domain.SeverityHigh:     0xE67E22,
	domain.SeverityMedium:   0xF1C40F,
	domain.SeverityLow:      0x3498DB,
}

// DefaultFormatters is the dispatch table used by the service. Types not
// listed render with GenericFormatter.
func DefaultFormatters() map[domain.AlertType]Formatter {
	return map[domain.AlertType]Formatter{
		domain.AlertWhaleBet:       formatWhaleBet,
		domain.AlertVolumeSpike:    formatVolumeSpike,
		domain.AlertSentimentShift: formatSentimentShift,
		domain.AlertAnomaly:        formatAnomaly,
	}
}

func base(a *domain.Alert) Message {
	return Message{
		Title:       a.Title,
		Description: a.Message,
		Color:       severityColors[a.Severity],
		Timestamp:   a.CreatedAt,
	}
}

func ctxValue(a *domain.Alert, key string) string {
	v, ok := a.Context[key]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return fmt.Sprintf("%.2f", x)
	default:
		return fmt.Sprint(x)
	}
}

func requireContext(a *domain.Alert, keys ...string) error {
	for _, k := range keys {
		if ctxValue(a, k) == "" {
			return fmt.Errorf("%w: %s", errMissingContext, k)
		}
	}
	return nil
}

func formatWhaleBet(a *domain.Alert) (Message, error) {
	if err := requireContext(a, "wallet", "amount", "market_id"); err != nil {
		return Message{}, err
	}
	m := base(a)
	if m.Title == "" {
		m.Title = "Whale bet"
	}
	m.Fields = []Field{
		{Name: "Wallet", Value: ctxValue(a, "wallet")},
		{Name: "Amount", Value: "$" + ctxValue(a, "amount"), Inline: true},
		{Name: "Outcome", Value: ctxValue(a, "outcome"), Inline: true},
		{Name: "Market", Value: ctxValue(a, "market_id")},
		{Name: "Tx", Value: ctxValue(a, "tx_hash")},
	}
	return m, nil
}

func formatVolumeSpike(a *domain.Alert) (Message, error) {
	if err := requireContext(a, "market_id", "percentage"); err != nil {
		return Message{}, err
	}
	m := base(a)
	if m.Title == "" {
		m.Title = "Volume spike"
	}
	m.Fields = []Field{
		{Name: "Market", Value: ctxValue(a, "market_id")},
		{Name: "Increase", Value: ctxValue(a, "percentage") + "%", Inline: true},
		{Name: "Current volume", Value: ctxValue(a, "current_volume"), Inline: true},
		{Name: "Baseline", Value: ctxValue(a, "baseline"), Inline: true},
	}
	return m, nil
}

func formatSentimentShift(a *domain.Alert) (Message, error) {
	if err := requireContext(a, "market_id", "delta"); err != nil {
		return Message{}, err
	}
	m := base(a)
	if m.Title == "" {
		m.Title = "Sentiment shift"
	}
	m.Fields = []Field{
		{Name: "Market", Value: ctxValue(a, "market_id")},
		{Name: "Outcome", Value: ctxValue(a, "dominant_outcome"), Inline: true},
		{Name: "Previous", Value: ctxValue(a, "previous_percentage") + "%", Inline: true},
		{Name: "Current", Value: ctxValue(a, "current_percentage") + "%", Inline: true},
	}
	return m, nil
}

func formatAnomaly(a *domain.Alert) (Message, error) {
	if err := requireContext(a, "pattern", "market_id"); err != nil {
		return Message{}, err
	}
	m := base(a)
	if m.Title == "" {
		m.Title = "Anomaly: " + strings.ReplaceAll(ctxValue(a, "pattern"), "_", " ")
	}
	m.Fields = []Field{
		{Name: "Pattern", Value: ctxValue(a, "pattern"), Inline: true},
		{Name: "Severity", Value: a.Severity.String(), Inline: true},
		{Name: "Market", Value: ctxValue(a, "market_id")},
	}
	return m, nil
}

// GenericFormatter lists every context entry in key order.
func GenericFormatter(a *domain.Alert) (Message, error) {
	m := base(a)
	if m.Title == "" {
		m.Title = string(a.Type)
	}
	keys := make([]string, 0, len(a.Context))
	for k := range a.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.Fields = append(m.Fields, Field{Name: k, Value: ctxValue(a, k), Inline: true})
	}
	return m, nil
}
