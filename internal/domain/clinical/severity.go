package clinical

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity grades a clinical note.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

var severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh}

// ParseSeverity accepts the canonical spelling ("Low") and the all-lowercase
// spelling ("low") used by older backends. Other casings are rejected rather
// than guessed.
func ParseSeverity(s string) (Severity, error) {
	for _, sev := range severities {
		if s == string(sev) || s == strings.ToLower(string(sev)) {
			return sev, nil
		}
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

func (s Severity) String() string { return string(s) }

// Valid reports whether s is one of the canonical severities.
func (s Severity) Valid() bool {
	for _, sev := range severities {
		if s == sev {
			return true
		}
	}
	return false
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	sev, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}
