package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Session.Approve", ErrUnknownToolUse, "t1")
	want := "Session.Approve: t1: unknown tool_use_id: not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Channel.Join", ErrJoinFailed, "")
	want := "Channel.Join: channel join failed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Session.Deny", ErrUnknownToolUse, "t9")
	assert.ErrorIs(t, err, ErrUnknownToolUse)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsCorrelationMiss(err))
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	assert.EqualError(t, WrapOp("op", ErrSessionClosed), "op: session: closed")
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"direct", ErrSessionNotFound, CodeSessionNotFound},
		{"domain error", NewDomainError("x", ErrPushTimeout, ""), CodePushTimeout},
		{"wrapped specific wins", fmt.Errorf("get: %w", ErrSessionNotFound), CodeSessionNotFound},
		{"wrapped category", fmt.Errorf("get: %w", ErrNotFound), CodeNotFound},
		{"gateway auth", fmt.Errorf("ws: %w", ErrGatewayAuthFailed), CodeGatewayAuth},
		{"foreign", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestEverySentinelHasCode(t *testing.T) {
	for _, s := range specificity {
		if _, ok := errorCodeMap[s]; !ok {
			t.Errorf("sentinel %q missing from errorCodeMap", s)
		}
	}
}
