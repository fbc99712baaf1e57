package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTestTransport = New(CodeTransport, "test transport failure")
	errTestCeremony  = New(CodeCeremony, "test ceremony failure")
)

func TestErrorIs(t *testing.T) {
	t.Run("matches bare sentinel", func(t *testing.T) {
		assert.ErrorIs(t, errTestTransport, errTestTransport)
	})

	t.Run("matches sentinel with cause", func(t *testing.T) {
		err := errTestTransport.WithCause(fmt.Errorf("dial tcp: refused"))
		assert.ErrorIs(t, err, errTestTransport)
		assert.Contains(t, err.Error(), "dial tcp: refused")
	})

	t.Run("matches through pkg/errors wrapping", func(t *testing.T) {
		err := pkgerrors.Wrap(errTestCeremony, "keygen failed")
		assert.ErrorIs(t, err, errTestCeremony)
		assert.Equal(t, CodeCeremony, CodeOf(err))
	})

	t.Run("different sentinels do not match", func(t *testing.T) {
		assert.NotErrorIs(t, errTestTransport, errTestCeremony)
	})
}

func TestCodeOf(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected Code
	}{
		{name: "transport", err: errTestTransport, expected: CodeTransport},
		{name: "wrapped ceremony", err: fmt.Errorf("outer: %w", errTestCeremony), expected: CodeCeremony},
		{name: "unclassified", err: fmt.Errorf("plain"), expected: CodeInfrastructure},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, CodeOf(tc.err))
			assert.True(t, IsCode(tc.err, tc.expected) || tc.expected == CodeInfrastructure)
		})
	}
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, SeverityRecoverable, errTestTransport.Severity)
	assert.Equal(t, SeverityFatal, errTestCeremony.Severity)
	assert.True(t, errTestTransport.IsRetryable())
	assert.False(t, errTestTransport.WithSeverity(SeverityFatal).IsRetryable())
	assert.False(t, IsRetryable(nil))
}

func TestRetryWithConfig(t *testing.T) {
	cfg := &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}

	t.Run("retries retryable errors until success", func(t *testing.T) {
		attempts := 0
		err := RetryWithConfig(context.Background(), func() error {
			attempts++
			if attempts < 3 {
				return errTestTransport
			}
			return nil
		}, cfg)
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		attempts := 0
		err := RetryWithConfig(context.Background(), func() error {
			attempts++
			return errTestCeremony
		}, cfg)
		assert.ErrorIs(t, err, errTestCeremony)
		assert.Equal(t, 1, attempts)
	})

	t.Run("returns last error after max attempts", func(t *testing.T) {
		attempts := 0
		err := RetryWithConfig(context.Background(), func() error {
			attempts++
			return errTestTransport
		}, cfg)
		assert.ErrorIs(t, err, errTestTransport)
		assert.Equal(t, 3, attempts)
	})

	t.Run("honors cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RetryWithConfig(ctx, func() error { return nil }, cfg)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
