package models

import "time"

// MonitoredEntity is the persisted status row of one highway-rail crossing.
type MonitoredEntity struct {
	HRIID            int64     `json:"hri_id"`
	PreemptionStatus bool      `json:"preemption_status"`
	RBSOperational   bool      `json:"rbs_operational"`
	ErrorCode        *int      `json:"error_code,omitempty"`    // set iff RBSOperational is false
	ErrorMessage     *string   `json:"error_message,omitempty"` // paired with ErrorCode
	LastUpdated      time.Time `json:"last_updated"`
}

// SignalState is the latest decoded signal-phase telemetry for a crossing.
type SignalState struct {
	HRIID             int64 `json:"hri_id"`
	ActiveSignalGroup int   `json:"active_signal_group"`
	HRIActive         bool  `json:"hri_active"`
}

// RateSample is a pre-aggregated messages-per-second value.
type RateSample struct {
	HRIID   int64   `json:"hri_id"`
	Topic   string  `json:"topic,omitempty"`
	MsgRate float64 `json:"msg_rate"`
}

// StatusEvent is published on every preemption or operational transition.
type StatusEvent struct {
	HRI     int64  `json:"HRI"`
	Active  *bool  `json:"active,omitempty"` // preemption events only
	Code    int    `json:"code"`
	Message string `json:"message"`
}
