package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(CodeInvalidZone, KindValidation, "zone not found")
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidZone, err.Code)
	assert.Equal(t, KindValidation, err.Kind)
	assert.Equal(t, SeverityError, err.Severity)
	assert.Equal(t, "[INVALID_ZONE] zone not found", err.Error())
}

func TestError_WithField(t *testing.T) {
	err := New(CodeMissingModel, KindValidation, "model is required").WithField("model_id")
	assert.Equal(t, "[MISSING_MODEL] model is required (field: model_id)", err.Error())
}

func TestWrap_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, CodeProviderCreateFailed, KindRetryableTransient, "create failed")
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.Retryable())
}

func TestRetryable(t *testing.T) {
	transient := Transient(CodeProviderStartFailed, "volumes not yet usable")
	assert.True(t, IsRetryable(transient))

	fatal := New(CodeProviderStartFailed, KindFatal, "rejected")
	assert.False(t, IsRetryable(fatal))

	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestKindOf_DefaultsToFatalForUnclassified(t *testing.T) {
	assert.Equal(t, KindFatal, KindOf(errors.New("boom")))
}

func TestCode_DefaultsToInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, Code(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation(CodeMissingParams, "x"), http.StatusBadRequest},
		{New(CodeStartupTimeout, KindTimeout, "x"), http.StatusGatewayTimeout},
		{New(CodeDBError, KindDatabase, "x"), http.StatusInternalServerError},
		{New(CodeNotFound, KindFatal, "x"), http.StatusNotFound},
		{New(CodeUnauthenticated, KindFatal, "x"), http.StatusUnauthorized},
		{New(CodeInternal, KindFatal, "x"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.HTTPStatus(), tc.err.Code)
	}
}

func TestWithDetailsAndSeverity(t *testing.T) {
	err := New(CodeCatalogInconsistent, KindValidation, "mismatch").
		WithDetails("zone_id", "fr-par-2").
		WithSeverity(SeverityCritical)

	assert.Equal(t, "fr-par-2", err.Details["zone_id"])
	assert.True(t, IsCritical(err))
}
