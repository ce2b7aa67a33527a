package domain

import (
	"encoding/json"
	"time"
)

// Task item statuses written by the ownership registry.
const (
	TaskNeedsAction = "needs_action"
	TaskClaimed     = "claimed"
	TaskCompleted   = "completed"
)

type TaskItem struct {
	ID        string  `json:"id,omitempty"`
	Domain    string  `json:"domain"`
	Title     string  `json:"title"`
	Body      string  `json:"body,omitempty"`
	Status    string  `json:"status,omitempty"`
	Owner     *string `json:"owner"`
	ClaimedAt *string `json:"claimed_at"`
	CreatedAt string  `json:"created_at,omitempty" format:"date-time"`
	Amount    float64 `json:"amount,omitempty"`
	Category  string  `json:"category,omitempty"`
}

type DraftStatus string

const (
	DraftStatusDraft    DraftStatus = "draft"
	DraftStatusPending  DraftStatus = "pending_approval"
	DraftStatusApproved DraftStatus = "approved"
	DraftStatusRejected DraftStatus = "rejected"
)

// Audit trail actions.
const (
	ActionCreated   = "created"
	ActionSubmitted = "submitted_for_approval"
	ActionApproved  = "approved"
	ActionRejected  = "rejected"
)

// AuditEntry is one immutable step in a draft's history.
type AuditEntry struct {
	Action    string `json:"action"`
	Actor     string `json:"agent"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Reason    string `json:"reason,omitempty"`
}

type Draft struct {
	ID           string       `json:"draft_id"`
	Domain       string       `json:"domain"`
	Title        string       `json:"title"`
	Body         string       `json:"body"`
	Status       DraftStatus  `json:"status" enum:"draft,pending_approval,approved,rejected"`
	Author       string       `json:"author"`
	Approver     *string      `json:"approver"`
	RejectReason *string      `json:"reject_reason"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
	UpdatedAt    string       `json:"updated_at" format:"date-time"`
	AuditTrail   []AuditEntry `json:"audit_trail"`
}

// StatusForAction maps an audit action onto the status it leaves a draft in.
func StatusForAction(action string) (DraftStatus, bool) {
	switch action {
	case ActionCreated:
		return DraftStatusDraft, true
	case ActionSubmitted:
		return DraftStatusPending, true
	case ActionApproved:
		return DraftStatusApproved, true
	case ActionRejected:
		return DraftStatusRejected, true
	}
	return "", false
}

// DerivedStatus returns the status implied by the last audit entry.
func (d Draft) DerivedStatus() DraftStatus {
	if len(d.AuditTrail) == 0 {
		return d.Status
	}
	st, ok := StatusForAction(d.AuditTrail[len(d.AuditTrail)-1].Action)
	if !ok {
		return d.Status
	}
	return st
}

// Heartbeat statuses. Stale is only ever computed by readers.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
	AgentStale   = "stale"
	AgentError   = "error"
)

type Heartbeat struct {
	AgentName   string  `json:"agent_name"`
	Status      string  `json:"status" enum:"online,offline,stale,error"`
	CurrentTask *string `json:"current_task"`
	Timestamp   *string `json:"timestamp"`
	Interval    int     `json:"interval,omitempty"`
}

type AgentHealth struct {
	Status        string   `json:"status"`
	CurrentTask   *string  `json:"current_task"`
	LastHeartbeat *string  `json:"last_heartbeat"`
	AgeSeconds    *float64 `json:"age_seconds"`
	Healthy       bool     `json:"healthy"`
}

// Envelope types.
const (
	MessageRequest      = "request"
	MessageResponse     = "response"
	MessageNotification = "notification"
)

const DefaultTTLSeconds = 3600

type Envelope struct {
	ID            string         `json:"message_id"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	Payload       map[string]any `json:"payload"`
	Timestamp     string         `json:"timestamp" format:"date-time"`
	Type          string         `json:"message_type" enum:"request,response,notification"`
	CorrelationID *string        `json:"correlation_id"`
	TTLSeconds    int            `json:"ttl_seconds"`
}

// UnmarshalJSON applies the wire defaults for fields older writers omit.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	tmp := plain{Type: MessageRequest, TTLSeconds: DefaultTTLSeconds}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	if tmp.Payload == nil {
		tmp.Payload = map[string]any{}
	}
	*e = Envelope(tmp)
	return nil
}

// ExpiredAt reports whether the envelope outlived its TTL at now.
// An unparsable timestamp never expires.
func (e Envelope) ExpiredAt(now time.Time) bool {
	created, err := ParseTime(e.Timestamp)
	if err != nil {
		return false
	}
	return now.Sub(created) > time.Duration(e.TTLSeconds)*time.Second
}

// IsExpired is ExpiredAt against the wall clock.
func (e Envelope) IsExpired() bool {
	return e.ExpiredAt(time.Now())
}

// Sync result statuses.
const (
	SyncPulled   = "pulled"
	SyncPushed   = "pushed"
	SyncSynced   = "synced"
	SyncConflict = "conflict"
	SyncError    = "error"
)

type SyncResult struct {
	Success      bool     `json:"success"`
	Status       string   `json:"status" enum:"pulled,pushed,synced,conflict,error"`
	Message      string   `json:"message"`
	FilesChanged []string `json:"files_changed"`
	Timestamp    string   `json:"timestamp" format:"date-time"`
}

type SyncEvent struct {
	Operation    string `json:"operation"`
	Success      bool   `json:"success"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	FilesChanged int    `json:"files_changed"`
	Timestamp    string `json:"timestamp" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ExecutionRecord is one line of Logs/execution_log.jsonl.
type ExecutionRecord struct {
	DraftID   string `json:"draft_id"`
	Domain    string `json:"domain"`
	Title     string `json:"title"`
	Action    string `json:"action"`
	Details   string `json:"details"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp" format:"date-time"`
}
