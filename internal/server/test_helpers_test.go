package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/MarcoPoloResearchLab/cedars/internal/auth"
	"github.com/MarcoPoloResearchLab/cedars/internal/database"
	"github.com/MarcoPoloResearchLab/cedars/internal/dispatch"
	"github.com/MarcoPoloResearchLab/cedars/internal/pipeline"
	"github.com/MarcoPoloResearchLab/cedars/internal/reviewers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "cedars"
	testCookieName    = "cedars_session"
	testAdminID       = "admin-1"
	testReviewerID    = "reviewer-1"
	jsonContentType   = "application/json"
)

type testStack struct {
	handler    http.Handler
	db         *gorm.DB
	service    *adjudication.Service
	dispatcher *dispatch.Dispatcher
	realtime   *RealtimeDispatcher
	issuer     *auth.TokenIssuer
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close(db)
	})

	realtime := NewRealtimeDispatcher()
	service, err := adjudication.NewService(adjudication.ServiceConfig{
		Database:    db,
		OnCompleted: realtime.PublishPatientCompleted,
	})
	if err != nil {
		t.Fatalf("failed to construct adjudication service: %v", err)
	}
	processor, err := pipeline.NewProcessor(pipeline.Config{Store: service.Store()})
	if err != nil {
		t.Fatalf("failed to construct processor: %v", err)
	}
	registry := prometheus.NewRegistry()
	metrics, err := dispatch.NewMetrics(registry)
	if err != nil {
		t.Fatalf("failed to register metrics: %v", err)
	}
	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Processor: processor,
		Database:  db,
		Workers:   2,
		Retry: dispatch.RetryPolicy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      2,
		},
		Metrics:       metrics,
		OnAllComplete: realtime.PublishJobsDrained,
	})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	dispatcher.Subscribe(realtime.PublishJobResult)
	t.Cleanup(dispatcher.Close)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	directory, err := reviewers.NewService(reviewers.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct reviewer directory: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Validator:         validator,
		Reviewers:         directory,
		Adjudication:      service,
		Dispatcher:        dispatcher,
		Realtime:          realtime,
		Metrics:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testStack{
		handler:    handler,
		db:         db,
		service:    service,
		dispatcher: dispatcher,
		realtime:   realtime,
		issuer:     issuer,
	}
}

func (s *testStack) mustToken(t *testing.T, reviewerID string, roles ...string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.Reviewer{ID: reviewerID, Roles: roles})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testStack) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func mustDecode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

// seedCorpus saves a query, ingests two patients and waits for their NLP jobs.
func (s *testStack) seedCorpus(t *testing.T, adminToken string) {
	t.Helper()
	expectStatus(t, s.do(t, http.MethodPost, "/admin/query", adminToken, map[string]any{"pattern": "bleed*"}), http.StatusOK)
	recorder := s.do(t, http.MethodPost, "/admin/notes", adminToken, map[string]any{
		"notes": []map[string]any{
			{"text_id": "n1", "patient_id": "P1", "text": "Bleeding noted at the site.", "text_date": "2024-01-01", "tags": []string{"nursing"}},
			{"text_id": "n2", "patient_id": "P1", "text": "Rectal bleeding again today.", "text_date": "2024-01-03"},
			{"text_id": "n3", "patient_id": "P2", "text": "Bleeding resolved.", "text_date": "2024-02-01"},
		},
	})
	expectStatus(t, recorder, http.StatusOK)
	ingest := mustDecode[ingestResponsePayload](t, recorder)
	if ingest.Inserted != 3 || ingest.Patients != 2 || ingest.Jobs != 2 {
		t.Fatalf("unexpected ingest response %+v", ingest)
	}
	s.dispatcher.Wait()
}

func awaitEvent(t *testing.T, stream <-chan RealtimeMessage, eventType string) RealtimeMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case message := <-stream:
			if message.EventType == eventType {
				return message
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}
