package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrConflict, "job abc version 3")
	err = Wrap(err, "failed to persist fire result")

	assert.True(t, IsConflictError(err))
	assert.False(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "failed to persist fire result")
	assert.Contains(t, err.Error(), "resource conflict")
}

func TestSentinelHelpers(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
		conflict bool
		lost     bool
		invalid  bool
	}{
		{name: "nil", err: nil},
		{name: "not found", err: NewNotFoundError("job %s", "j1"), notFound: true},
		{name: "conflict", err: NewConflictError("job %s", "j1"), conflict: true},
		{name: "leadership", err: Wrap(ErrLeadershipLost, "fire"), lost: true},
		{name: "schedule", err: NewInvalidScheduleError("interval %d", -1), invalid: true},
		{name: "request", err: NewInvalidRequestError("missing recipient"), invalid: true},
		{name: "plain", err: New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.notFound, IsNotFoundError(tt.err))
			assert.Equal(t, tt.conflict, IsConflictError(tt.err))
			assert.Equal(t, tt.lost, IsLeadershipLost(tt.err))
			assert.Equal(t, tt.invalid, IsInvalidRequestError(tt.err))
		})
	}
}

func TestInvalidScheduleMessage(t *testing.T) {
	err := NewInvalidScheduleError("repeat interval must be positive, got %s", "0s")
	assert.True(t, Is(err, ErrInvalidSchedule))
	assert.Contains(t, err.Error(), "repeat interval must be positive, got 0s")
}

func TestDetailsSurviveWrapping(t *testing.T) {
	err := New("connection refused")
	err = WithDetail(err, "Recipient: http://localhost:9/cb")
	err = Wrap(err, "dispatch failed")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Recipient: http://localhost:9/cb", details[0])
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithDetail(nil, "detail"))
}

func ExampleWrap() {
	err := Wrap(ErrLeadershipLost, "discarding fire result")
	fmt.Println(err)
	// Output: discarding fire result: leadership lost
}
