// Package signal defines the captured-observation record shared by every
// stage of the pipeline.
package signal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSignal is wrapped by every Validate failure.
var ErrInvalidSignal = errors.New("invalid signal")

// Kind classifies where a signal came from.
type Kind string

const (
	KindConsole     Kind = "console"
	KindRuntime     Kind = "runtime"
	KindPromise     Kind = "promise"
	KindNetwork     Kind = "network"
	KindSecurity    Kind = "security"
	KindPerformance Kind = "performance"
)

// Kinds lists every kind in declaration order.
var Kinds = []Kind{KindConsole, KindRuntime, KindPromise, KindNetwork, KindSecurity, KindPerformance}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Severity is ordered info < warning < error < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank returns 0..3 for known severities and -1 otherwise.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// Location points at a source position.
type Location struct {
	URL    string `json:"url"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// NetworkDetails describes the request behind a network or slow-response
// signal.
type NetworkDetails struct {
	URL            string `json:"url"`
	Method         string `json:"method"`
	Status         int    `json:"status"`
	StatusText     string `json:"statusText,omitempty"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
}

// SecurityDetails describes a detector hit. MatchCount is the number of
// matches in the scan pass that produced the signal.
type SecurityDetails struct {
	PatternType string `json:"patternType"`
	MatchCount  int    `json:"matchCount"`
	Remediation string `json:"remediation,omitempty"`
}

// Signal is one captured observation. Treat it as immutable once built.
type Signal struct {
	ID              string           `json:"id"`
	Timestamp       time.Time        `json:"timestamp"`
	Kind            Kind             `json:"kind"`
	Severity        Severity         `json:"severity"`
	Message         string           `json:"message"`
	Location        *Location        `json:"location,omitempty"`
	StackTrace      string           `json:"stackTrace,omitempty"`
	NetworkDetails  *NetworkDetails  `json:"networkDetails,omitempty"`
	SecurityDetails *SecurityDetails `json:"securityDetails,omitempty"`
	TabScope        string           `json:"tabScope"`
}

// NewID returns a fresh signal identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate checks the structural invariants every accepted signal holds.
func (s *Signal) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidSignal)
	case s.TabScope == "":
		return fmt.Errorf("%w: missing tabScope", ErrInvalidSignal)
	case !s.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, s.Kind)
	case !s.Severity.Valid():
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidSignal, s.Severity)
	case s.NetworkDetails != nil && s.Kind != KindNetwork && s.Kind != KindPerformance:
		return fmt.Errorf("%w: networkDetails on %s signal", ErrInvalidSignal, s.Kind)
	case s.SecurityDetails != nil && s.Kind != KindSecurity:
		return fmt.Errorf("%w: securityDetails on %s signal", ErrInvalidSignal, s.Kind)
	}
	return nil
}
