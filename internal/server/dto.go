package server

import (
	"sort"

	"handoff/internal/domain"
)

// Request payloads

type RejectDraftRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

// Response payloads

type AuditEntryResponse struct {
	Action    string `json:"action"`
	Actor     string `json:"agent"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Reason    string `json:"reason,omitempty"`
}

type DraftResponse struct {
	ID           string               `json:"draft_id"`
	Domain       string               `json:"domain"`
	Title        string               `json:"title"`
	Body         string               `json:"body"`
	Status       string               `json:"status" enum:"draft,pending_approval,approved,rejected"`
	Author       string               `json:"author"`
	Approver     *string              `json:"approver"`
	RejectReason *string              `json:"reject_reason"`
	CreatedAt    string               `json:"created_at" format:"date-time"`
	UpdatedAt    string               `json:"updated_at" format:"date-time"`
	AuditTrail   []AuditEntryResponse `json:"audit_trail"`
}

type ExecutionResponse struct {
	DraftID   string `json:"draft_id"`
	Domain    string `json:"domain"`
	Title     string `json:"title"`
	Action    string `json:"action"`
	Details   string `json:"details"`
	Status    string `json:"status" enum:"executed,failed"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type ApproveDraftResponse struct {
	Draft     DraftResponse     `json:"draft"`
	Execution ExecutionResponse `json:"execution"`
}

type AgentResponse struct {
	Name          string   `json:"agent_name"`
	Status        string   `json:"status" enum:"online,offline,stale,error"`
	Healthy       bool     `json:"healthy"`
	CurrentTask   *string  `json:"current_task"`
	LastHeartbeat *string  `json:"last_heartbeat"`
	AgeSeconds    *float64 `json:"age_seconds"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type listTasks struct {
	Items []string `json:"items"`
}

type listDrafts struct {
	Items []DraftResponse `json:"items"`
}

type listAudit struct {
	Items []AuditEntryResponse `json:"items"`
}

type listAgents struct {
	Items []AgentResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func auditResponse(entries []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryResponse(e))
	}
	return out
}

func draftResponse(d domain.Draft) DraftResponse {
	return DraftResponse{
		ID:           d.ID,
		Domain:       d.Domain,
		Title:        d.Title,
		Body:         d.Body,
		Status:       string(d.DerivedStatus()),
		Author:       d.Author,
		Approver:     d.Approver,
		RejectReason: d.RejectReason,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		AuditTrail:   auditResponse(d.AuditTrail),
	}
}

func mapDrafts(items []domain.Draft) []DraftResponse {
	out := make([]DraftResponse, 0, len(items))
	for _, d := range items {
		out = append(out, draftResponse(d))
	}
	return out
}

func executionResponse(r domain.ExecutionRecord) ExecutionResponse {
	return ExecutionResponse(r)
}

func agentResponses(summary map[string]domain.AgentHealth) []AgentResponse {
	out := make([]AgentResponse, 0, len(summary))
	for name, h := range summary {
		out = append(out, AgentResponse{
			Name:          name,
			Status:        h.Status,
			Healthy:       h.Healthy,
			CurrentTask:   h.CurrentTask,
			LastHeartbeat: h.LastHeartbeat,
			AgeSeconds:    h.AgeSeconds,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse(e)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
