package handoffsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsBearerAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{{"draft_id": "DRAFT-1", "status": "pending_approval"}}})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	items, err := c.PendingDrafts(context.Background(), "email")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if gotAuth != "Bearer tok" || gotPath != "/v0/drafts/pending" || gotQuery != "domain=email" {
		t.Fatalf("unexpected request auth=%q path=%q query=%q", gotAuth, gotPath, gotQuery)
	}
	if len(items) != 1 || items[0].ID != "DRAFT-1" {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestClientRejectAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/drafts/DRAFT-1/reject" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["reason"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"code":"bad_request","message":"reason required"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"draft_id": "DRAFT-1", "status": "rejected", "reject_reason": body["reason"]})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	d, err := c.Reject(context.Background(), "DRAFT-1", "tone")
	if err != nil || d.RejectReason == nil || *d.RejectReason != "tone" {
		t.Fatalf("reject: %+v %v", d, err)
	}
	_, err = c.Reject(context.Background(), "DRAFT-1", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected APIError 400, got %v", err)
	}
	if _, err := c.GetDraft(context.Background(), "DRAFT-2"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}
