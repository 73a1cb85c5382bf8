package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassRetryable(t *testing.T) {
	tests := []struct {
		class    Class
		expected bool
	}{
		{Validation, false},
		{Unauthorized, false},
		{NotFound, false},
		{InsufficientFunds, false},
		{Disclosure, false},
		{Transient, true},
	}

	for _, tt := range tests {
		if got := tt.class.Retryable(); got != tt.expected {
			t.Errorf("Retryable(%q) = %v, want %v", tt.class, got, tt.expected)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code     string
		expected Class
	}{
		{CodeTermsInvalid, Validation},
		{CodeUnsupportedDenomination, Validation},
		{CodeUnauthorized, Unauthorized},
		{CodeContractNotFound, NotFound},
		{CodeStaleReference, NotFound},
		{CodeInsufficientFunds, InsufficientFunds},
		{CodeDisclosureNotConfigured, Disclosure},
		{CodeTimeout, Transient},
		{CodeUpstream, Transient},
		{CodeRateLimited, Transient},
		{CodeStreamTruncated, Transient},
		{"SOMETHING/ELSE", Validation},
	}

	for _, tt := range tests {
		if got := classify(tt.code); got != tt.expected {
			t.Errorf("classify(%q) = %q, want %q", tt.code, got, tt.expected)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	t.Run("op and msg", func(t *testing.T) {
		err := New(Unauthorized, "streams.Withdraw", "only the payer may withdraw")
		want := "streams.Withdraw: only the payer may withdraw"
		if err.Error() != want {
			t.Errorf("Error() = %q, want %q", err.Error(), want)
		}
	})

	t.Run("wrapped cause", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := Wrap(Transient, "jsonapi.SubmitAndWait", cause)
		want := "jsonapi.SubmitAndWait: transient: connection reset"
		if err.Error() != want {
			t.Errorf("Error() = %q, want %q", err.Error(), want)
		}
		if !errors.Is(err, cause) {
			t.Error("wrapped cause should survive errors.Is")
		}
	})

	t.Run("formatted", func(t *testing.T) {
		err := Newf(NotFound, "ledger.GetCreation", "contract %s not visible", "abc123")
		if err.Msg != "contract abc123 not visible" {
			t.Errorf("Msg = %q", err.Msg)
		}
	})
}

func TestClassOf(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		err := New(InsufficientFunds, "funding.Reserve", "no instruments")
		if ClassOf(err) != InsufficientFunds {
			t.Errorf("ClassOf = %q, want %q", ClassOf(err), InsufficientFunds)
		}
	})

	t.Run("wrapped deeper", func(t *testing.T) {
		inner := New(Disclosure, "disclosure.Factory", "no bundle for network")
		outer := fmt.Errorf("assembling operation: %w", inner)
		if ClassOf(outer) != Disclosure {
			t.Errorf("ClassOf(wrapped) = %q, want %q", ClassOf(outer), Disclosure)
		}
	})

	t.Run("unclassified", func(t *testing.T) {
		if ClassOf(errors.New("plain")) != "" {
			t.Error("plain error should have empty class")
		}
		if ClassOf(nil) != "" {
			t.Error("nil error should have empty class")
		}
	})
}

func TestRetryable(t *testing.T) {
	if !Retryable(Wrap(Transient, "gateway", errors.New("timeout"))) {
		t.Error("transient should be retryable")
	}
	if Retryable(New(Validation, "terms", "negative weight")) {
		t.Error("validation must never be retryable")
	}
	if Retryable(errors.New("unknown")) {
		t.Error("unclassified errors must not be retryable")
	}
	if Retryable(nil) {
		t.Error("nil must not be retryable")
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{"validation", New(Validation, "", ""), IsValidation},
		{"unauthorized", New(Unauthorized, "", ""), IsUnauthorized},
		{"not found", New(NotFound, "", ""), IsNotFound},
		{"insufficient funds", New(InsufficientFunds, "", ""), IsInsufficientFunds},
		{"disclosure", New(Disclosure, "", ""), IsDisclosure},
		{"transient", New(Transient, "", ""), IsTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.pred(tt.err) {
				t.Errorf("predicate should match %v", tt.err)
			}
			if tt.pred(errors.New("other")) {
				t.Error("predicate should not match unclassified error")
			}
		})
	}
}

func TestCoded(t *testing.T) {
	err := Coded(CodeInsufficientFunds, "funding.Reserve", "zero available instruments")
	if err.Class != InsufficientFunds {
		t.Errorf("Class = %q, want %q", err.Class, InsufficientFunds)
	}
	if err.Code != CodeInsufficientFunds {
		t.Errorf("Code = %q", err.Code)
	}
	if Retryable(err) {
		t.Error("insufficient funds must not be retryable")
	}
}
