package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEventsStreamDeliversPatientCompleted(t *testing.T) {
	stack := newTestStack(t)
	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	request, err := http.NewRequestWithContext(t.Context(), http.MethodGet, server.URL+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: stack.mustToken(t, testReviewerID)})
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	if !strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", response.Header.Get("Content-Type"))
	}

	type readResult struct {
		line string
		err  error
	}
	lines := make(chan readResult, 16)
	go func() {
		reader := bufio.NewReader(response.Body)
		for {
			line, err := reader.ReadString('\n')
			lines <- readResult{line: line, err: err}
			if err != nil {
				return
			}
		}
	}()

	nextEvent := func() (string, string) {
		eventType := ""
		deadline := time.After(5 * time.Second)
		for {
			select {
			case <-deadline:
				t.Fatal("timed out waiting for event")
			case res := <-lines:
				if res.err != nil {
					t.Fatalf("failed to read stream: %v", res.err)
				}
				line := strings.TrimSpace(res.line)
				if strings.HasPrefix(line, "event:") {
					eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
					continue
				}
				if strings.HasPrefix(line, "data:") {
					return eventType, strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				}
			}
		}
	}

	if eventType, _ := nextEvent(); eventType != realtimeEventReady {
		t.Fatalf("expected ready event first, got %q", eventType)
	}

	stack.realtime.PublishPatientCompleted("P9", testReviewerID)

	eventType, data := nextEvent()
	if eventType != RealtimeEventPatientCompleted {
		t.Fatalf("unexpected event type %q", eventType)
	}
	var payload struct {
		PatientID string            `json:"patient_id"`
		Data      map[string]string `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if payload.PatientID != "P9" || payload.Data["reviewer"] != testReviewerID {
		t.Fatalf("unexpected payload %+v", payload)
	}
}
