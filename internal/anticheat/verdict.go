package anticheat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity orders flags from least to most serious.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(v string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(v, name) {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", v)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// FlagType names the check that raised a flag.
type FlagType string

const (
	FlagDeviceMismatch  FlagType = "device_mismatch"
	FlagTooEarly        FlagType = "too_early"
	FlagTooLate         FlagType = "too_late"
	FlagBulkMarking     FlagType = "bulk_marking"
	FlagImpossibleSpeed FlagType = "impossible_speed"
	FlagRapidMarking    FlagType = "rapid_marking"
)

// Flag is one piece of suspicion evidence.
type Flag struct {
	Type        FlagType `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Recommendation is what the engine suggests the caller do with a check-in.
type Recommendation string

const (
	RecommendAllow  Recommendation = "allow"
	RecommendReview Recommendation = "review"
	RecommendVerify Recommendation = "verify"
	RecommendReject Recommendation = "reject"
)

// Recommend maps a confidence score to a recommendation.
func Recommend(confidence float64) Recommendation {
	switch {
	case confidence > 0.8:
		return RecommendAllow
	case confidence > 0.6:
		return RecommendReview
	case confidence > 0.4:
		return RecommendVerify
	default:
		return RecommendReject
	}
}

// Verdict is the engine's assessment of a single check-in.
type Verdict struct {
	Suspicious     bool           `json:"is_suspicious"`
	Flags          []Flag         `json:"flags"`
	Confidence     float64        `json:"confidence"`
	Severity       Severity       `json:"severity"`
	Recommendation Recommendation `json:"recommendation"`
}

// Has reports whether the verdict carries a flag of type ft.
func (v Verdict) Has(ft FlagType) bool {
	for _, f := range v.Flags {
		if f.Type == ft {
			return true
		}
	}
	return false
}

func (v *Verdict) add(f Flag, multiplier float64) {
	v.Flags = append(v.Flags, f)
	v.Confidence *= multiplier
	if f.Severity > v.Severity {
		v.Severity = f.Severity
	}
}

func (v *Verdict) finish() {
	v.Suspicious = len(v.Flags) > 0
	v.Recommendation = Recommend(v.Confidence)
}
