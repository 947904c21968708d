package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", NewTransientError(errors.New("x"), 429), true},
		{"wrapped transient", fmt.Errorf("call: %w", NewTransientError(errors.New("x"), 502)), true},
		{"deadline", context.DeadlineExceeded, true},
		{"conn reset", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"message", errors.New("read tcp: i/o timeout"), true},
		{"permanent", errors.New("401 unauthorized"), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}
