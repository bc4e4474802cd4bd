package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"hri_monitor/internal/config"
	"hri_monitor/internal/repository"

	"github.com/shopspring/decimal"
)

// Check codes. A raised fault is stored as code+1; the restore event carries code.
const (
	CodeSPaTRate          = 110
	CodeMAPRate           = 120
	CodeHRIDiagnosticRate = 160
	CodeMAPDiagnosticRate = 170
	CodeRSUDiagnosticRate = 180
)

// FaultCheck is one thresholded rate check. Checks are evaluated in slice
// order and earlier checks take priority.
type FaultCheck struct {
	Name      string
	Code      int
	Source    repository.RateSource
	Threshold decimal.NullDecimal
	Topic     string
}

// DefaultChecks builds the ordered check list from configuration.
func DefaultChecks(th config.Thresholds, topics config.TopicConfig) []FaultCheck {
	return []FaultCheck{
		{Name: "SPaT", Code: CodeSPaTRate, Source: repository.SourceSPaTRate, Threshold: valid(th.SPaT)},
		{Name: "MAP", Code: CodeMAPRate, Source: repository.SourceMAPRate, Threshold: valid(th.MAP)},
		{Name: "HRI plugin diagnostic", Code: CodeHRIDiagnosticRate, Source: repository.SourceMessageRate, Threshold: valid(th.Message), Topic: topics.HRIStatus},
		{Name: "MAP plugin diagnostic", Code: CodeMAPDiagnosticRate, Source: repository.SourceMessageRate, Threshold: valid(th.Message), Topic: topics.MAPStatus},
		{Name: "RSU immediate forward plugin diagnostic", Code: CodeRSUDiagnosticRate, Source: repository.SourceMessageRate, Threshold: valid(th.Message), Topic: topics.RSUIFMStatus},
	}
}

func valid(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// RaisedCode is the error code stored while this check's fault is active.
func (c FaultCheck) RaisedCode() int { return c.Code + 1 }

// DroppedMessage is stored and published when the fault is raised.
func (c FaultCheck) DroppedMessage() string {
	return fmt.Sprintf("RBS %s messaging rate has dropped below the minimal operational threshold of %s messages per second",
		c.Name, c.Threshold.Decimal.String())
}

// RestoredMessage is published when the fault clears.
func (c FaultCheck) RestoredMessage() string {
	return fmt.Sprintf("RBS %s messaging rate has been restored above the minimal operational threshold of %s messages per second",
		c.Name, c.Threshold.Decimal.String())
}

// Validate reports configuration that makes the check unusable.
func (c FaultCheck) Validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("check %d: %w: name", c.Code, config.ErrMissingSetting)
	case !c.Threshold.Valid:
		return fmt.Errorf("check %q: %w: threshold", c.Name, config.ErrMissingSetting)
	case c.Threshold.Decimal.IsNegative():
		return fmt.Errorf("check %q: negative threshold %s", c.Name, c.Threshold.Decimal)
	case c.Source.Topical() && strings.TrimSpace(c.Topic) == "":
		return fmt.Errorf("check %q: %w: topic", c.Name, config.ErrMissingSetting)
	}
	return nil
}

// ValidateChecks validates every check and rejects duplicate codes.
func ValidateChecks(checks []FaultCheck) error {
	var errs []error
	seen := make(map[int]string, len(checks))
	for _, c := range checks {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
		if prev, ok := seen[c.Code]; ok {
			errs = append(errs, fmt.Errorf("checks %q and %q share code %d", prev, c.Name, c.Code))
		}
		seen[c.Code] = c.Name
	}
	return errors.Join(errs...)
}

func (c FaultCheck) transition(hriID int64, now time.Time) repository.FaultTransition {
	return repository.FaultTransition{
		HRIID:     hriID,
		Source:    c.Source,
		Topic:     c.Topic,
		Threshold: c.Threshold.Decimal.InexactFloat64(),
		Code:      c.RaisedCode(),
		Message:   c.DroppedMessage(),
		Now:       now,
	}
}
