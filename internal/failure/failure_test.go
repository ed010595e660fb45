package failure_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/MediaGate/internal/failure"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("connection reset")
	err := failure.Wrap(failure.TransientServiceError, "object put", base)

	require.ErrorIs(t, err, base)
	require.Equal(t, failure.TransientServiceError, failure.KindOf(err))
	for _, fragment := range []string{"TransientServiceError", "object put", "connection reset"} {
		require.True(t, strings.Contains(err.Error(), fragment), "missing %q in %q", fragment, err.Error())
	}
}

func TestKindOfSurvivesFurtherWrapping(t *testing.T) {
	inner := failure.Wrap(failure.PermanentServiceError, "cdn create", nil)
	outer := fmt.Errorf("publish: %w", inner)

	require.Equal(t, failure.PermanentServiceError, failure.KindOf(outer))
	require.True(t, failure.IsPermanent(outer))
	require.False(t, failure.IsTransient(outer))
}

func TestKindOfDefaults(t *testing.T) {
	require.Equal(t, failure.Kind(""), failure.KindOf(nil))
	require.Equal(t, failure.Timeout, failure.KindOf(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	require.Equal(t, failure.TransientServiceError, failure.KindOf(errors.New("boom")))
}

func TestTimeoutAndCancelAreNotRetried(t *testing.T) {
	require.False(t, failure.IsTransient(context.DeadlineExceeded))
	require.False(t, failure.IsTransient(context.Canceled))
	require.True(t, failure.IsTransient(errors.New("503")))
}

func TestFromHTTPStatus(t *testing.T) {
	cases := map[int]failure.Kind{
		400: failure.PermanentServiceError,
		401: failure.PermanentServiceError,
		404: failure.PermanentServiceError,
		408: failure.TransientServiceError,
		429: failure.TransientServiceError,
		500: failure.TransientServiceError,
		503: failure.TransientServiceError,
	}
	for status, want := range cases {
		err := failure.FromHTTPStatus("visual analyze", status, " upstream said no \n")
		require.Equal(t, want, failure.KindOf(err), "status %d", status)
		require.Contains(t, err.Error(), "upstream said no")
	}
}
