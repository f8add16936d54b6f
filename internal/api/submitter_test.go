package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// mockSubmitter is a testify mock of the Submitter interface.
type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, urls []string) ([]pipeline.Submission, error) {
	args := m.Called(ctx, urls)
	statuses, _ := args.Get(0).([]pipeline.Submission)
	return statuses, args.Error(1)
}

func postSubmission(t *testing.T, sub Submitter, body string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(Options{Submitter: sub})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/submissions", strings.NewReader(body)))
	return rec
}

func TestSubmitPassesURLsThrough(t *testing.T) {
	t.Parallel()

	sub := &mockSubmitter{}
	sub.On("Submit", mock.Anything, []string{"https://a.example/x", " https://b.example "}).
		Return([]pipeline.Submission{
			{RequestID: "r1", URL: "https://a.example/x", Status: pipeline.StatusQueued},
			{RequestID: "r2", URL: " https://b.example ", Status: pipeline.StatusCached},
		}, nil).Once()

	rec := postSubmission(t, sub, `{"urls":["https://a.example/x"," https://b.example "]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"request_id":"r2"`)
	sub.AssertExpectations(t)
}

func TestSubmitMapsGatewayErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: fmt.Errorf("%w: too many urls", pipeline.ErrValidation), want: http.StatusBadRequest},
		{name: "infrastructure", err: errors.New("store offline"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sub := &mockSubmitter{}
			sub.On("Submit", mock.Anything, []string{"https://a.example"}).Return(nil, tt.err).Once()

			rec := postSubmission(t, sub, `{"urls":["https://a.example"]}`)
			require.Equal(t, tt.want, rec.Code)
			require.NotContains(t, rec.Body.String(), "store offline")
			sub.AssertExpectations(t)
		})
	}
}

func TestSubmitSkipsGatewayOnBadJSON(t *testing.T) {
	t.Parallel()

	sub := &mockSubmitter{}
	rec := postSubmission(t, sub, `{"urls":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	sub.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}
