package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"signoff/hub/internal/jobs"
)

func TestChannelHistorySendsTokenAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/channels/5/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("unexpected limit %q", got)
		}
		w.Write([]byte(`{"messages":[{"id":1,"channelId":5,"senderId":7,"content":"hi"}]}`))
	}))
	defer server.Close()

	client := New(server.URL, "secret")
	messages, err := client.ChannelHistory(context.Background(), 5, 50)
	if err != nil {
		t.Fatalf("ChannelHistory failed: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != 1 || messages[0].Content != "hi" {
		t.Errorf("unexpected messages: %+v", messages)
	}
}

func TestErrorEnvelopeBecomesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":"TRANSITION_DENIED","error":"You may not move this task there"}`))
	}))
	defer server.Close()

	client := New(server.URL, "")
	_, err := client.TransitionTask(context.Background(), 11, Actor{UserID: 7, RoleLevel: 50}, "IN_PROGRESS")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 403 || apiErr.Code != "TRANSITION_DENIED" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestStartAnalysisPostsToVersionPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/documents/12/versions/3/analysis" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"job":{"id":"job_abc","jobKey":"document:12/version:3","status":"QUEUED"}}`))
	}))
	defer server.Close()

	client := New(server.URL, "")
	job, err := client.StartAnalysis(context.Background(), 12, 3)
	if err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}
	if job.ID != "job_abc" || job.JobKey != "document:12/version:3" {
		t.Errorf("unexpected job: %+v", job)
	}
}

func TestFetchJobStatusMapsStoredStates(t *testing.T) {
	status := "RUNNING"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"job": map[string]any{
			"id":     "job_abc",
			"status": status,
			"reason": "deadline exceeded",
			"result": json.RawMessage(`{"score":0.9}`),
		}})
	}))
	defer server.Close()

	client := New(server.URL, "")
	fetch := client.FetchJobStatus("job_abc")

	cases := []struct {
		stored string
		want   jobs.State
	}{
		{"QUEUED", jobs.StateRunning},
		{"RUNNING", jobs.StateRunning},
		{"SUCCEEDED", jobs.StateSuccess},
		{"FAILED", jobs.StateError},
		{"CANCELLED", jobs.StateCancelled},
	}
	for _, tc := range cases {
		status = tc.stored
		out, err := fetch(context.Background())
		if err != nil {
			t.Fatalf("%s: fetch failed: %v", tc.stored, err)
		}
		if out.State != tc.want {
			t.Errorf("%s: got %s, want %s", tc.stored, out.State, tc.want)
		}
	}
}
