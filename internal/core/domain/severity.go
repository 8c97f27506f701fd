package domain

import "strings"

// Severity is ordered: None < Low < Medium < High < Critical.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "NONE"
	}
}

// ParseSeverity is the inverse of String. Unknown values map to SeverityNone.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(s) {
	case "LOW":
		return SeverityLow
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityNone
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	*s = ParseSeverity(string(b))
	return nil
}

// Priority routes a transaction through inline or deferred anomaly analysis.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityNormal   Priority = "NORMAL"
)
