package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/teranos/jobsvc/errors"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.NewInvalidRequestError("bad body"), http.StatusBadRequest},
		{errors.NewInvalidScheduleError("bad unit"), http.StatusBadRequest},
		{errors.NewNotFoundError("job %s", "x"), http.StatusNotFound},
		{errors.NewConflictError("job %s", "x"), http.StatusConflict},
		{errors.Wrap(errors.ErrLeadershipLost, "submit"), http.StatusServiceUnavailable},
		{errors.Wrap(errors.ErrServiceUnavailable, "no log"), http.StatusServiceUnavailable},
		{errors.Wrap(errors.ErrTimeout, "db"), http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWriteFailureHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeFailure(rec, zap.NewNop().Sugar(), errors.New("password=hunter2"), "submit")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"submit failed"}`, rec.Body.String())
}

func TestWriteFailureSetsRetryAfterForFollowers(t *testing.T) {
	rec := httptest.NewRecorder()
	writeFailure(rec, zap.NewNop().Sugar(), errors.Wrap(errors.ErrLeadershipLost, "submit"), "submit")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "leadership lost")
}
