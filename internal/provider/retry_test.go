package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventiv/fleet/pkg/apperror"
)

func TestWithStartRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := WithStartRetry(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithStartRetry_NonRetryableError_ReturnsImmediately(t *testing.T) {
	calls := 0
	wantErr := apperror.New(apperror.CodeProviderStartFailed, apperror.KindFatal, "disk corrupt")
	err := WithStartRetry(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, wantErr)
}

func TestWithStartRetry_RetryableError_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := WithStartRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return apperror.Transient(apperror.CodeProviderStartFailed, "volumes not yet usable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
