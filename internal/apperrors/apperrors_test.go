package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodedError_Error(t *testing.T) {
	t.Parallel()

	plain := New(CodeAuthRejected, "server rejected token")
	require.Equal(t, "auth.rejected: server rejected token", plain.Error())

	wrapped := Wrap(CodeNetworkDialFailed, "dial failed", errors.New("connection refused"))
	require.Equal(t, "network.dial_failed: dial failed (connection refused)", wrapped.Error())
}

func TestCodedError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := Wrap(CodeProtocolMalformed, "bad payload", cause)

	require.ErrorIs(t, err, cause)

	var coded *CodedError
	require.True(t, errors.As(fmt.Errorf("outer: %w", err), &coded))
	require.Equal(t, CodeProtocolMalformed, coded.Code)
}

func TestGetCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "coded", err: New(CodeAuthSessionExpired, "expired"), want: CodeAuthSessionExpired},
		{name: "wrappedCoded", err: fmt.Errorf("x: %w", New(CodeMessageRetryExhausted, "max")), want: CodeMessageRetryExhausted},
		{name: "plain", err: errors.New("boom"), want: CodeUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, GetCode(tt.err))
		})
	}
}

func TestGetMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", GetMessage(nil))
	require.Equal(t, "expired", GetMessage(New(CodeAuthTokenExpired, "expired")))
	require.Equal(t, "boom", GetMessage(errors.New("boom")))
}
