package realtime

// Message types carried in Frame.Type.
const (
	TypeRiskWarning       = "risk:warning"
	TypeRiskCritical      = "risk:critical"
	TypeSessionTerminated = "session:terminated"
	TypeMonitorInit       = "monitor:init"
	TypeSessionAlert      = "session:alert"
	TypeSessionUpdate     = "session:update"
)

// Actions carried by a risk:critical frame.
const (
	ActionBlank     = "blank"
	ActionTerminate = "terminate"
)

// Frame is the wire envelope for every realtime message.
type Frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// RiskWarning tells a student their behaviour crossed the warning tier.
type RiskWarning struct {
	Message string `json:"message"`
	Score   int    `json:"score"`
}

// RiskCritical tells a student the terminate tier was crossed. Action is
// "terminate" when enforcement ends the session, "blank" when policy
// suppresses termination but the client should still blank the screen.
type RiskCritical struct {
	Message string `json:"message"`
	Action  string `json:"action"`
}

// SessionTerminated tells a student their session has ended.
type SessionTerminated struct {
	Reason string `json:"reason"`
}

// SessionSummary is one row of a monitor:init snapshot.
type SessionSummary struct {
	SessionID  string `json:"sessionId"`
	User       string `json:"user"`
	Status     string `json:"status"`
	Score      int    `json:"score"`
	Violations int    `json:"violations"`
}

// MonitorInit seeds a new admin observer with the exam's active sessions.
type MonitorInit struct {
	ExamID   string           `json:"examId"`
	Sessions []SessionSummary `json:"sessions"`
}

// SessionAlert notifies exam observers of a suspicious event.
type SessionAlert struct {
	SessionID string `json:"sessionId"`
	User      string `json:"user"`
	EventKind string `json:"eventKind"`
	Points    int    `json:"points"`
	Score     int    `json:"score"`
	Severity  string `json:"severity"`
}

// SessionUpdate notifies exam observers of a session's new standing.
type SessionUpdate struct {
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	Score      int    `json:"score"`
	Violations int    `json:"violations"`
}

// NewRiskWarning builds a risk:warning frame.
func NewRiskWarning(message string, score int) *Frame {
	return &Frame{Type: TypeRiskWarning, Data: RiskWarning{Message: message, Score: score}}
}

// NewRiskCritical builds a risk:critical frame.
func NewRiskCritical(message, action string) *Frame {
	return &Frame{Type: TypeRiskCritical, Data: RiskCritical{Message: message, Action: action}}
}

// NewSessionTerminated builds a session:terminated frame.
func NewSessionTerminated(reason string) *Frame {
	return &Frame{Type: TypeSessionTerminated, Data: SessionTerminated{Reason: reason}}
}

// NewMonitorInit builds a monitor:init frame. A nil slice becomes an empty
// array on the wire so observers can always range over sessions.
func NewMonitorInit(examID string, sessions []SessionSummary) *Frame {
	if sessions == nil {
		sessions = []SessionSummary{}
	}
	return &Frame{Type: TypeMonitorInit, Data: MonitorInit{ExamID: examID, Sessions: sessions}}
}

// NewSessionAlert builds a session:alert frame.
func NewSessionAlert(sessionID, user, eventKind string, points, score int, severity string) *Frame {
	return &Frame{Type: TypeSessionAlert, Data: SessionAlert{
		SessionID: sessionID,
		User:      user,
		EventKind: eventKind,
		Points:    points,
		Score:     score,
		Severity:  severity,
	}}
}

// NewSessionUpdate builds a session:update frame.
func NewSessionUpdate(sessionID, status string, score, violations int) *Frame {
	return &Frame{Type: TypeSessionUpdate, Data: SessionUpdate{
		SessionID:  sessionID,
		Status:     status,
		Score:      score,
		Violations: violations,
	}}
}
