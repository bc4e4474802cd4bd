package service

import (
	"errors"
	"fmt"

	"hri_monitor/internal/logger"
	"hri_monitor/internal/models"
)

// PassKind classifies the outcome of a monitoring pass.
type PassKind int

const (
	// PassOK means the pass completed, with or without a transition.
	PassOK PassKind = iota
	// PassTransient means a store or bus call failed; the next iteration retries.
	PassTransient
	// PassFatalConfig means a check cannot run with the current configuration.
	PassFatalConfig
)

func (k PassKind) String() string {
	switch k {
	case PassOK:
		return "ok"
	case PassTransient:
		return "transient_failure"
	case PassFatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// ErrFatalConfig wraps the error a runtime stops with after a PassFatalConfig result.
var ErrFatalConfig = errors.New("fatal configuration error")

func fatalError(pass string, hriID int64, err error) error {
	return fmt.Errorf("%w: %s pass for hri %d: %w", ErrFatalConfig, pass, hriID, err)
}

// PassResult is returned by every Checker. Event is set when a transition was
// written, even if publishing it failed afterwards.
type PassResult struct {
	Kind  PassKind
	Event *models.StatusEvent
	Err   error
}

func passOK(ev *models.StatusEvent) PassResult {
	return PassResult{Kind: PassOK, Event: ev}
}

func passTransient(err error, ev *models.StatusEvent) PassResult {
	return PassResult{Kind: PassTransient, Event: ev, Err: err}
}

func passFatalConfig(err error) PassResult {
	return PassResult{Kind: PassFatalConfig, Err: err}
}

// logPass records a pass outcome and reports whether the caller must stop.
func logPass(log *logger.Logger, pass string, hriID int64, res PassResult) (fatal bool) {
	switch res.Kind {
	case PassOK:
		if res.Event != nil {
			log.Debugw("pass_transition", "pass", pass, "hri", hriID, "code", res.Event.Code)
		}
		return false
	case PassTransient:
		log.Errorw("pass_failed", "pass", pass, "hri", hriID, "kind", res.Kind.String(), "err", res.Err)
		return false
	default:
		log.Errorw("pass_aborted", "pass", pass, "hri", hriID, "kind", res.Kind.String(), "err", res.Err)
		return true
	}
}
