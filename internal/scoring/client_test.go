package scoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
)

const (
	testBaseURL    = "https://scoring.test"
	testReleaseURL = "https://platform.test/instances/42"
)

func newMockedClient(t *testing.T) *Client {
	t.Helper()
	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(func() {
		httpmock.DeactivateNonDefault(httpClient)
		httpmock.Reset()
	})

	client, err := NewClient(Config{
		BaseURL:    testBaseURL + "/",
		ReleaseURL: testReleaseURL,
		Token:      "secret",
		HTTPClient: httpClient,
	})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	return client
}

func TestPredictSendsTextAndToken(t *testing.T) {
	client := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/predict",
		func(request *http.Request) (*http.Response, error) {
			if request.Header.Get("Authorization") != "Bearer secret" {
				return httpmock.NewStringResponse(http.StatusUnauthorized, "missing token"), nil
			}
			var payload predictRequest
			if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			if payload.Text != "Patient had a bleed." {
				return httpmock.NewStringResponse(http.StatusBadRequest, "unexpected text"), nil
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]float64{"prediction": 0.82})
		})

	prediction, err := client.Predict(t.Context(), "Patient had a bleed.")
	if err != nil {
		t.Fatalf("unexpected predict error: %v", err)
	}
	if prediction != 0.82 {
		t.Fatalf("expected 0.82, got %v", prediction)
	}
}

func TestPredictClassifiesFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected error
	}{
		{name: "server-error", status: http.StatusServiceUnavailable, body: "down", expected: ErrUnavailable},
		{name: "client-error", status: http.StatusUnprocessableEntity, body: "bad text", expected: ErrRejected},
		{name: "malformed", status: http.StatusOK, body: "not json", expected: ErrUnavailable},
		{name: "missing-prediction", status: http.StatusOK, body: `{}`, expected: ErrUnavailable},
		{name: "out-of-range", status: http.StatusOK, body: `{"prediction": 1.5}`, expected: ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockedClient(t)
			httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/predict",
				httpmock.NewStringResponder(tt.status, tt.body))

			if _, err := client.Predict(t.Context(), "text"); !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestPredictWrapsTransportErrors(t *testing.T) {
	client := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/predict",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	if _, err := client.Predict(t.Context(), "text"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestHealthcheck(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		healthy bool
	}{
		{name: "healthy", body: `{"status":"Healthy"}`, healthy: true},
		{name: "starting", body: `{"status":"Starting"}`, healthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockedClient(t)
			httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/healthcheck",
				httpmock.NewStringResponder(http.StatusOK, tt.body))

			err := client.Healthcheck(t.Context())
			if tt.healthy && err != nil {
				t.Fatalf("expected healthy, got %v", err)
			}
			if !tt.healthy && !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected unavailable, got %v", err)
			}
		})
	}
}

func TestReleaseIssuesDelete(t *testing.T) {
	client := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodDelete, testReleaseURL,
		httpmock.NewStringResponder(http.StatusNoContent, ""))

	if err := client.Release(t.Context()); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if calls := httpmock.GetCallCountInfo()["DELETE "+testReleaseURL]; calls != 1 {
		t.Fatalf("expected one release call, got %d", calls)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected missing base url, got %v", err)
	}
}
