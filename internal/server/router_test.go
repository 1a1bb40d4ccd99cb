package server

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/MarcoPoloResearchLab/cedars/internal/auth"
)

func TestAdjudicationFlowOverHTTP(t *testing.T) {
	stack := newTestStack(t)
	adminToken := stack.mustToken(t, testAdminID, auth.RoleAdmin)
	reviewerToken := stack.mustToken(t, testReviewerID)
	stack.seedCorpus(t, adminToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, cleanup := stack.realtime.Subscribe(ctx)
	defer cleanup()

	recorder := stack.do(t, http.MethodPost, "/adjudication/next", reviewerToken, nil)
	expectStatus(t, recorder, http.StatusOK)
	item := mustDecode[itemPayload](t, recorder)
	if item.PatientID != "P1" || item.Total != 2 || item.Position != 1 || item.PendingCount != 2 {
		t.Fatalf("unexpected first item %+v", item)
	}
	if item.NoteID != "n1" || !strings.Contains(item.Highlighted, "**Bleeding**") {
		t.Fatalf("unexpected highlighted item %+v", item)
	}
	if len(item.Tags) != 1 || item.Tags[0] != "nursing" {
		t.Fatalf("unexpected tags %v", item.Tags)
	}

	recorder = stack.do(t, http.MethodPost, "/adjudication/actions", reviewerToken, map[string]any{"action": "adjudicate", "comment": "first pass"})
	expectStatus(t, recorder, http.StatusOK)
	item = mustDecode[itemPayload](t, recorder)
	if item.Position != 2 || item.PendingCount != 1 || item.NoteID != "n2" {
		t.Fatalf("expected cursor on second pending entry, got %+v", item)
	}
	if len(item.Comments) != 1 || item.Comments[0].Body != "first pass" || item.Comments[0].Reviewer != testReviewerID {
		t.Fatalf("unexpected comments %+v", item.Comments)
	}

	recorder = stack.do(t, http.MethodPost, "/adjudication/actions", reviewerToken, map[string]any{"action": "new_date", "date": "2024-01-03"})
	expectStatus(t, recorder, http.StatusOK)
	item = mustDecode[itemPayload](t, recorder)
	if item.EventDate != "2024-01-03" || item.PendingCount != 0 {
		t.Fatalf("expected anchored event date, got %+v", item)
	}

	recorder = stack.do(t, http.MethodPost, "/adjudication/actions", reviewerToken, map[string]any{"action": "complete"})
	expectStatus(t, recorder, http.StatusOK)
	outcome := mustDecode[sessionOutcomePayload](t, recorder)
	if outcome.Status != string(adjudication.SessionCompleted) || outcome.PatientID != "P1" {
		t.Fatalf("unexpected completion outcome %+v", outcome)
	}
	completed := awaitEvent(t, events, RealtimeEventPatientCompleted)
	if completed.PatientID != "P1" || completed.Data["reviewer"] != testReviewerID {
		t.Fatalf("unexpected completion event %+v", completed)
	}

	expectStatus(t, stack.do(t, http.MethodGet, "/adjudication/current", reviewerToken, nil), http.StatusNotFound)

	recorder = stack.do(t, http.MethodGet, "/stats", reviewerToken, nil)
	expectStatus(t, recorder, http.StatusOK)
	stats := mustDecode[adjudication.Stats](t, recorder)
	if stats.Patients != 2 || stats.ReviewedPatients != 1 || stats.AnnotatedPatients != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	recorder = stack.do(t, http.MethodPost, "/adjudication/next", reviewerToken, nil)
	expectStatus(t, recorder, http.StatusOK)
	if item = mustDecode[itemPayload](t, recorder); item.PatientID != "P2" {
		t.Fatalf("expected P2 next, got %+v", item)
	}
	recorder = stack.do(t, http.MethodPost, "/adjudication/unlock", reviewerToken, nil)
	expectStatus(t, recorder, http.StatusOK)
	if outcome = mustDecode[sessionOutcomePayload](t, recorder); outcome.Status != string(adjudication.SessionReleased) || outcome.PatientID != "P2" {
		t.Fatalf("unexpected unlock outcome %+v", outcome)
	}
	locked, err := stack.service.Locks().IsLocked(t.Context(), "P2")
	if err != nil || locked {
		t.Fatalf("expected P2 unlocked, got %v (%v)", locked, err)
	}
}

func TestNextReportsAnnotationsComplete(t *testing.T) {
	stack := newTestStack(t)
	recorder := stack.do(t, http.MethodPost, "/adjudication/next", stack.mustToken(t, testReviewerID), nil)
	expectStatus(t, recorder, http.StatusOK)
	outcome := mustDecode[sessionOutcomePayload](t, recorder)
	if outcome.Status != "complete" || outcome.Message != messageAnnotationsComplete {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestRequestedPatientNotice(t *testing.T) {
	stack := newTestStack(t)
	adminToken := stack.mustToken(t, testAdminID, auth.RoleAdmin)
	stack.seedCorpus(t, adminToken)

	recorder := stack.do(t, http.MethodPost, "/adjudication/next", stack.mustToken(t, testReviewerID), map[string]any{"patient_id": "P2"})
	expectStatus(t, recorder, http.StatusOK)
	if item := mustDecode[itemPayload](t, recorder); item.PatientID != "P2" {
		t.Fatalf("expected requested patient, got %+v", item)
	}

	recorder = stack.do(t, http.MethodPost, "/adjudication/next", stack.mustToken(t, "reviewer-2"), map[string]any{"patient_id": "P2"})
	expectStatus(t, recorder, http.StatusOK)
	item := mustDecode[itemPayload](t, recorder)
	if item.PatientID != "P1" || !strings.Contains(item.Notice, "being reviewed") {
		t.Fatalf("expected fallback with notice, got %+v", item)
	}
}

func TestActionValidation(t *testing.T) {
	stack := newTestStack(t)
	adminToken := stack.mustToken(t, testAdminID, auth.RoleAdmin)
	reviewerToken := stack.mustToken(t, testReviewerID)

	recorder := stack.do(t, http.MethodPost, "/adjudication/actions", reviewerToken, map[string]any{"action": "next_1"})
	expectStatus(t, recorder, http.StatusConflict)

	stack.seedCorpus(t, adminToken)
	expectStatus(t, stack.do(t, http.MethodPost, "/adjudication/next", reviewerToken, nil), http.StatusOK)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		reason string
	}{
		{name: "unknown-action", body: map[string]any{"action": "teleport"}, status: http.StatusBadRequest, reason: "unknown_action"},
		{name: "bad-date", body: map[string]any{"action": "new_date", "date": "01/03/2024"}, status: http.StatusBadRequest, reason: "invalid_request"},
		{name: "premature-complete", body: map[string]any{"action": "complete"}, status: http.StatusConflict, reason: "invalid_transition"},
		{name: "navigation", body: map[string]any{"action": "next_10"}, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := stack.do(t, http.MethodPost, "/adjudication/actions", reviewerToken, tt.body)
			expectStatus(t, recorder, tt.status)
			if tt.reason == "" {
				return
			}
			if response := mustDecode[errorResponse](t, recorder); response.Error != tt.reason {
				t.Fatalf("expected %s, got %+v", tt.reason, response)
			}
		})
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	stack := newTestStack(t)

	expectStatus(t, stack.do(t, http.MethodPost, "/admin/query", "", map[string]any{"pattern": "x"}), http.StatusUnauthorized)
	expectStatus(t, stack.do(t, http.MethodPost, "/admin/query", stack.mustToken(t, testReviewerID), map[string]any{"pattern": "x"}), http.StatusForbidden)

	adminToken := stack.mustToken(t, testAdminID, auth.RoleAdmin)
	recorder := stack.do(t, http.MethodGet, "/admin/reviewers", adminToken, nil)
	expectStatus(t, recorder, http.StatusOK)
	listed := mustDecode[struct {
		Reviewers []reviewerPayload `json:"reviewers"`
	}](t, recorder)
	if len(listed.Reviewers) != 2 || listed.Reviewers[0].ReviewerID != testAdminID || !listed.Reviewers[0].Admin {
		t.Fatalf("unexpected reviewers %+v", listed.Reviewers)
	}
}

func TestSaveQueryChangeReleasesSessionsAndRedispatches(t *testing.T) {
	stack := newTestStack(t)
	adminToken := stack.mustToken(t, testAdminID, auth.RoleAdmin)
	reviewerToken := stack.mustToken(t, testReviewerID)
	stack.seedCorpus(t, adminToken)
	expectStatus(t, stack.do(t, http.MethodPost, "/adjudication/next", reviewerToken, nil), http.StatusOK)

	recorder := stack.do(t, http.MethodPost, "/admin/query", adminToken, map[string]any{"pattern": "bleed*"})
	expectStatus(t, recorder, http.StatusOK)
	if response := mustDecode[queryResponsePayload](t, recorder); response.Changed {
		t.Fatalf("expected identical query to be a no-op, got %+v", response)
	}

	recorder = stack.do(t, http.MethodPost, "/admin/query", adminToken, map[string]any{"pattern": "rectal", "skip_after_event": true})
	expectStatus(t, recorder, http.StatusOK)
	response := mustDecode[queryResponsePayload](t, recorder)
	if !response.Changed || response.Jobs != 2 {
		t.Fatalf("expected changed query to dispatch both patients, got %+v", response)
	}
	stack.dispatcher.Wait()

	expectStatus(t, stack.do(t, http.MethodGet, "/adjudication/current", reviewerToken, nil), http.StatusNotFound)
	locked, err := stack.service.Locks().IsLocked(t.Context(), "P1")
	if err != nil || locked {
		t.Fatalf("expected P1 unlocked after query change, got %v (%v)", locked, err)
	}

	recorder = stack.do(t, http.MethodGet, "/admin/jobs?status=succeeded", adminToken, nil)
	expectStatus(t, recorder, http.StatusOK)
	jobs := mustDecode[struct {
		Jobs []jobPayload `json:"jobs"`
	}](t, recorder)
	if len(jobs.Jobs) != 2 {
		t.Fatalf("expected 2 succeeded jobs, got %+v", jobs.Jobs)
	}

	recorder = stack.do(t, http.MethodPost, "/adjudication/next", reviewerToken, nil)
	expectStatus(t, recorder, http.StatusOK)
	item := mustDecode[itemPayload](t, recorder)
	if item.PatientID != "P1" || item.Total != 1 || item.Token != "Rectal" {
		t.Fatalf("expected only the re-annotated candidate, got %+v", item)
	}
}

func TestReleaseLocksAndDispatchEndpoints(t *testing.T) {
	stack := newTestStack(t)
	adminToken := stack.mustToken(t, testAdminID, auth.RoleAdmin)
	stack.seedCorpus(t, adminToken)
	expectStatus(t, stack.do(t, http.MethodPost, "/adjudication/next", stack.mustToken(t, testReviewerID), nil), http.StatusOK)

	recorder := stack.do(t, http.MethodPost, "/admin/locks/release", adminToken, nil)
	expectStatus(t, recorder, http.StatusOK)
	released := mustDecode[struct {
		Released int64 `json:"released"`
	}](t, recorder)
	if released.Released != 1 {
		t.Fatalf("expected one released lock, got %d", released.Released)
	}

	recorder = stack.do(t, http.MethodPost, "/admin/jobs", adminToken, map[string]any{"patient_ids": []string{"P2"}})
	expectStatus(t, recorder, http.StatusAccepted)
	stack.dispatcher.Wait()

	expectStatus(t, stack.do(t, http.MethodPost, "/admin/jobs", adminToken, map[string]any{"patient_ids": []string{" "}}), http.StatusBadRequest)
}

func TestMetricsEndpoint(t *testing.T) {
	stack := newTestStack(t)
	recorder := stack.do(t, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, recorder, http.StatusOK)
	if !strings.Contains(recorder.Body.String(), "cedars_dispatch_in_flight") {
		t.Fatalf("expected dispatcher gauge in exposition")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "not-found", err: adjudication.ErrNotFound, status: http.StatusNotFound},
		{name: "locked", err: adjudication.ErrAlreadyLocked, status: http.StatusConflict},
		{name: "transition", err: adjudication.ErrInvalidTransition, status: http.StatusConflict},
		{name: "integrity", err: adjudication.ErrDataIntegrity, status: http.StatusInternalServerError},
		{name: "external", err: adjudication.ErrExternalService, status: http.StatusBadGateway},
		{name: "invalid-date", err: adjudication.ErrInvalidDate, status: http.StatusBadRequest},
		{name: "unknown", err: context.Canceled, status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, _ := classifyError(tt.err); status != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, status)
			}
		})
	}
}
