package model

type TargetID string
type RuleID string

// TargetState tracks the lifecycle of a page execution context.
type TargetState string

const (
	TargetPending  TargetState = "pending"
	TargetReady    TargetState = "ready"
	TargetTornDown TargetState = "torn_down"
)

// ErrorKind is the closed error taxonomy returned to the controller.
type ErrorKind string

const (
	ErrParse          ErrorKind = "PARSE_ERROR"
	ErrInvalidCommand ErrorKind = "INVALID_COMMAND"
	ErrInvalidParams  ErrorKind = "INVALID_PARAMS"
	ErrTargetNotFound ErrorKind = "TARGET_NOT_FOUND"
	ErrTargetTimeout  ErrorKind = "TARGET_TIMEOUT"
	ErrExecution      ErrorKind = "EXECUTION_ERROR"
	ErrCancelled      ErrorKind = "CANCELLED"
	ErrInvalidPattern ErrorKind = "INVALID_PATTERN"
)

// ConnState is the connection manager state machine.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnClosing      ConnState = "closing"
)

type TargetInfo struct {
	ID    TargetID    `json:"id"`
	URL   string      `json:"url"`
	Title string      `json:"title"`
	Type  string      `json:"type"`
	State TargetState `json:"state"`
}

// RuleStats is the per-rule counter pair exposed by get_statistics.
type RuleStats struct {
	RuleID  RuleID `json:"ruleId"`
	Pattern string `json:"pattern"`
	Kind    string `json:"kind"`
	Matched int64  `json:"matchedCount"`
	Applied int64  `json:"appliedCount"`
}

type EngineStats struct {
	Evaluated int64       `json:"evaluated"`
	Rules     []RuleStats `json:"rules"`
}

type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"httpOnly"`
}
