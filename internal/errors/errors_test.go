package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := NotAuthorized("signer lacks permissions", map[string]any{
		"signer":  "alice",
		"missing": []string{"asset.create"},
	})

	assert.Equal(t, "NotAuthorized: signer lacks permissions (missing=[asset.create], signer=alice)", err.Error())
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("prepare: %w", Validation("amount must be positive", nil))

	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrNotAuthorized)
	assert.ErrorIs(t, err, &Error{})
}

func TestWrap_KeepsExistingCode(t *testing.T) {
	inner := DataUnavailable("asset not found", nil)
	wrapped := Wrap(CodeValidation, fmt.Errorf("lookup: %w", inner), "prepare storage")

	assert.Equal(t, CodeDataUnavailable, wrapped.Code)
}

func TestWrap_PlainCause(t *testing.T) {
	wrapped := Wrap(CodeTimeout, context.DeadlineExceeded, "estimate fee")

	assert.Equal(t, CodeTimeout, wrapped.Code)
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.Contains(t, wrapped.Error(), "estimate fee")
}

func TestWith_CopiesData(t *testing.T) {
	base := TransactionFailed("batch entry failed", map[string]any{"tag": "asset.transfer"})
	withIndex := base.With("index", 1)

	require.Len(t, base.Data, 1)
	assert.Equal(t, 1, withIndex.Data["index"])
	assert.Equal(t, "asset.transfer", withIndex.Data["tag"])
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeUnexpected, CodeOf(fmt.Errorf("boom")))
	assert.Equal(t, CodeTimeout, CodeOf(fmt.Errorf("x: %w", Timeout("wait", nil))))
	assert.True(t, Has(Aborted("stop"), CodeTransactionAborted))
	assert.False(t, Has(nil, CodeTransactionAborted))
}
