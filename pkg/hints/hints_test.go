package hints_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/paulschiretz/rumar/pkg/hints"
)

func TestHint(t *testing.T) {
	var (
		errBase    = errors.New("base error")
		errAnother = errors.New("another error")
		errHinted  = hints.Wrap(errBase)
	)

	t.Run("Wrap nil", func(t *testing.T) {
		if hints.Wrap(nil) != nil {
			t.Error("Wrap(nil) should return nil")
		}
	})

	t.Run("Newf keeps the chain", func(t *testing.T) {
		err := hints.Newf("profile %s skipped: %w", "home", os.ErrNotExist)
		if err.Error() != "profile home skipped: file does not exist" {
			t.Errorf("unexpected message %q", err.Error())
		}
		if !hints.Is(err, os.ErrNotExist) {
			t.Error("expected the wrapped error to be found")
		}
	})

	t.Run("IsHint", func(t *testing.T) {
		testCases := []struct {
			name     string
			err      error
			expected bool
		}{
			{"NilError", nil, false},
			{"StandardError", errBase, false},
			{"HintedError", errHinted, true},
			{"HintedMsgError", hints.New("hint message"), true},
			{"WrappedHint", fmt.Errorf("wrapper: %w", errHinted), true},
			{"WrappedStandardError", fmt.Errorf("wrapper: %w", errBase), false},
			{"DoubleWrappedHint", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", errHinted)), true},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				if got := hints.IsHint(tc.err); got != tc.expected {
					t.Errorf("IsHint() = %v, want %v", got, tc.expected)
				}
			})
		}
	})

	t.Run("Is", func(t *testing.T) {
		if !hints.Is(errHinted, errBase) {
			t.Error("Is(hinted, base) should be true")
		}
		if hints.Is(errBase, errBase) {
			t.Error("Is(base, base) should be false because it is not a hint")
		}
		if hints.Is(errHinted, errAnother) {
			t.Error("Is(hinted, another) should be false")
		}
	})

	t.Run("Split", func(t *testing.T) {
		soft, hard := hints.Split([]error{nil, errHinted, errBase, hints.New("x")})
		if len(soft) != 2 || len(hard) != 1 {
			t.Errorf("expected 2 soft and 1 hard, got %d and %d", len(soft), len(hard))
		}
	})
}
