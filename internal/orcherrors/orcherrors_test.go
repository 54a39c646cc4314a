package orcherrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/orchestrator/internal/orcherrors"
)

func TestRetryableDefaults(t *testing.T) {
	cases := []struct {
		code      orcherrors.Code
		retryable bool
	}{
		{orcherrors.CodeTimeout, true},
		{orcherrors.CodeSpawnError, true},
		{orcherrors.CodeToolError, false},
		{orcherrors.CodeProtocolError, false},
		{orcherrors.CodeMissingArtifact, false},
		{orcherrors.CodeAgentTimeout, false},
		{orcherrors.CodeAgentError, false},
		{orcherrors.CodeAmbiguousFlow, false},
		{orcherrors.CodePlanError, false},
		{orcherrors.CodeCancelled, false},
	}
	for _, c := range cases {
		err := orcherrors.New(c.code, "boom")
		assert.Equalf(t, c.retryable, err.Retryable(), "code %s", c.code)
	}
}

func TestWithRetryableOverridesDefault(t *testing.T) {
	err := orcherrors.New(orcherrors.CodeToolError, "rate limited").WithRetryable(true)
	assert.True(t, err.Retryable())

	err = orcherrors.New(orcherrors.CodeTimeout, "deadline").WithRetryable(false)
	assert.False(t, err.Retryable())
}

func TestWithRetryableDoesNotMutateOriginal(t *testing.T) {
	original := orcherrors.New(orcherrors.CodeToolError, "rate limited")
	overridden := original.WithRetryable(true)

	assert.False(t, original.Retryable())
	assert.True(t, overridden.Retryable())
}

func TestWrapChainsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := orcherrors.Wrap(orcherrors.CodeSpawnError, "starting tool binary", cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "starting tool binary")
}

func TestWrapDefaultsMessageToCause(t *testing.T) {
	cause := errors.New("no such file")
	err := orcherrors.Wrap(orcherrors.CodeSpawnError, "", cause)

	assert.Equal(t, "no such file", err.Message)
}

func TestErrorsAsUnwraps(t *testing.T) {
	cause := orcherrors.New(orcherrors.CodeTimeout, "deadline exceeded")
	err := orcherrors.Wrap(orcherrors.CodeToolError, "sql node failed", cause)

	var oe *orcherrors.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, orcherrors.CodeToolError, oe.Code)

	var inner *orcherrors.Error
	require.ErrorAs(t, errors.Unwrap(err), &inner)
	assert.Equal(t, orcherrors.CodeTimeout, inner.Code)
}

func TestIsRetryableOnPlainError(t *testing.T) {
	assert.False(t, orcherrors.IsRetryable(errors.New("not ours")))
	assert.False(t, orcherrors.IsRetryable(nil))
}

func TestIsRetryableOnWrappedError(t *testing.T) {
	err := orcherrors.New(orcherrors.CodeTimeout, "deadline exceeded")
	wrapped := errors.New("outer: " + err.Error())
	assert.False(t, orcherrors.IsRetryable(wrapped)) // not a chain, just string concat

	chained := errors.Join(errors.New("context"), err)
	assert.True(t, orcherrors.IsRetryable(chained))
}

func TestCodeOf(t *testing.T) {
	err := orcherrors.Errorf(orcherrors.CodeAmbiguousFlow, "no dominant tag for %q", "sales pls")
	assert.Equal(t, orcherrors.CodeAmbiguousFlow, orcherrors.CodeOf(err))
	assert.Equal(t, orcherrors.Code(""), orcherrors.CodeOf(errors.New("plain")))
}

func TestNilErrorMethodsAreSafe(t *testing.T) {
	var err *orcherrors.Error
	assert.Equal(t, "", err.Error())
	assert.Nil(t, err.Unwrap())
	assert.False(t, err.Retryable())
}
