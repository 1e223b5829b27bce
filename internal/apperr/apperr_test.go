package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Msg(KindRateLimited, "too many events"))
	require.True(t, Is(err, KindRateLimited))
	require.False(t, Is(err, KindDuplicate))
}

func TestKindOfDefaultsToInternalForUntaggedErrors(t *testing.T) {
	require.Equal(t, KindInternal, KindOf(errors.New("plain error")))
	require.Equal(t, KindSessionEnded, KindOf(Msg(KindSessionEnded, "session already ended")))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := E(KindInternal, cause)
	require.Contains(t, err.Error(), string(KindInternal))
	require.Contains(t, err.Error(), "connection refused")
	require.ErrorIs(t, err, cause)
}

func TestErrorMessageWithoutCauseOrMsg(t *testing.T) {
	err := E(KindDuplicate, nil)
	require.Equal(t, string(KindDuplicate), err.Error())
}
