package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"explicit classified error", NewError(ClassBrowserCrash, errors.New("boom")), ClassBrowserCrash},
		{"wrapped classified error", fmt.Errorf("step: %w", NewError(ClassUpload, errors.New("gcs down"))), ClassUpload},
		{"context deadline", context.DeadlineExceeded, ClassTimeout},
		{"timeout keyword", errors.New("navigation timed out after 30s"), ClassTimeout},
		{"browser keyword", errors.New("chrome target closed unexpectedly"), ClassBrowserCrash},
		{"selector keyword", errors.New("waiting for element .ad-slot"), ClassSelectorNotFound},
		{"auth keyword", errors.New("401 unauthorized"), ClassAuthentication},
		{"upload keyword", errors.New("bucket write rejected"), ClassUpload},
		{"parse keyword", errors.New("cannot unmarshal record"), ClassParsing},
		{"network keyword", errors.New("net::ERR_CONNECTION_REFUSED"), ClassNetwork},
		{"unknown defaults to network", errors.New("mystery failure"), ClassNetwork},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyKeywordPriority(t *testing.T) {
	t.Parallel()
	// Timeout keywords outrank the later buckets even when both match.
	err := errors.New("selector wait timed out")
	require.Equal(t, ClassTimeout, Classify(err))
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	transient := errors.New("connection reset by peer")
	require.True(t, ShouldRetry(transient, 1))
	require.True(t, ShouldRetry(transient, 2))
	require.False(t, ShouldRetry(transient, 3), "attempt cap reached")

	require.False(t, ShouldRetry(NewError(ClassParsing, errors.New("bad record")), 1))
	require.False(t, ShouldRetry(NewError(ClassAuthentication, errors.New("denied")), 1))
	require.False(t, ShouldRetry(nil, 1))
}

func TestErrorClassRetryable(t *testing.T) {
	t.Parallel()
	require.True(t, ClassNetwork.Retryable())
	require.True(t, ClassTimeout.Retryable())
	require.True(t, ClassBrowserCrash.Retryable())
	require.False(t, ClassParsing.Retryable())
	require.False(t, ClassAuthentication.Retryable())
}
