package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesCatalogMessage(t *testing.T) {
	err := New(ErrorCodeLintFailed, "clippy: 3 errors")
	assert.Equal(t, ErrorCodeLintFailed, err.Code)
	assert.Equal(t, "Linter reported errors.", err.Message)
	assert.Equal(t, "[LINT_FAILED] Linter reported errors.: clippy: 3 errors", err.Error())

	unknown := New(ErrorCode("NOPE"))
	assert.Equal(t, "An unknown error occurred.", unknown.Message)
	assert.Equal(t, "[NOPE] An unknown error occurred.", unknown.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(ErrorCodeConnectivityFailed, cause, "psql")

	assert.Equal(t, "psql: connection refused", err.Details)
	assert.ErrorIs(t, err, cause)

	noDetails := Wrap(ErrorCodePublishFailed, cause)
	assert.Equal(t, "connection refused", noDetails.Details)

	nilCause := Wrap(ErrorCodePublishFailed, nil, "x")
	assert.Nil(t, nilCause.Err)
}

func TestCodeLookupThroughWrapping(t *testing.T) {
	inner := New(ErrorCodeServiceStartFailed, "postgres")
	outer := fmt.Errorf("db-smoke: %w", inner)

	got, ok := AsPipelineError(outer)
	require.True(t, ok)
	assert.Same(t, inner, got)
	assert.Equal(t, ErrorCodeServiceStartFailed, CodeOf(outer))
	assert.True(t, HasCode(outer, ErrorCodeServiceStartFailed))
	assert.False(t, HasCode(outer, ErrorCodePublishFailed))

	assert.Equal(t, ErrorCodeInternal, CodeOf(stderrors.New("plain")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))

	_, ok = AsPipelineError(nil)
	assert.False(t, ok)
}
