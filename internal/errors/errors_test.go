package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestCodedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *CodedError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CodeStorageNotFound, "session not found"),
			expected: "storage.not_found: session not found",
		},
		{
			name:     "error with cause",
			err:      Wrap(CodeMirrorWriteFailed, "patch failed", errors.New("connection refused")),
			expected: "mirror.write_failed: patch failed (connection refused)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(CodeInternal, "wrapped", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the original cause")
	}

	// Test without cause
	err2 := New(CodeStorageNotFound, "not found")
	if err2.Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "",
		},
		{
			name:     "CodedError",
			err:      New(CodeStorageNotFound, "not found"),
			expected: CodeStorageNotFound,
		},
		{
			name:     "wrapped CodedError",
			err:      Wrap(CodeSendTimeout, "failed", errors.New("cause")),
			expected: CodeSendTimeout,
		},
		{
			name:     "plain error",
			err:      errors.New("some error"),
			expected: CodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("GetCode() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "",
		},
		{
			name:     "CodedError",
			err:      New(CodeStorageNotFound, "session not found"),
			expected: "session not found",
		},
		{
			name:     "plain error",
			err:      errors.New("some error"),
			expected: "some error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetMessage(tt.err); got != tt.expected {
				t.Errorf("GetMessage() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestToCodeAndMessage(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{
			name:        "nil error",
			err:         nil,
			wantCode:    "",
			wantMessage: "",
		},
		{
			name:        "CodedError",
			err:         New(CodeStorageNotFound, "session not found"),
			wantCode:    CodeStorageNotFound,
			wantMessage: "session not found",
		},
		{
			name:        "plain error",
			err:         errors.New("some error"),
			wantCode:    CodeUnknown,
			wantMessage: "some error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, message := ToCodeAndMessage(tt.err)
			if code != tt.wantCode {
				t.Errorf("ToCodeAndMessage() code = %q, want %q", code, tt.wantCode)
			}
			if message != tt.wantMessage {
				t.Errorf("ToCodeAndMessage() message = %q, want %q", message, tt.wantMessage)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	err := New(CodeStorageNotFound, "not found")

	if !IsCode(err, CodeStorageNotFound) {
		t.Error("IsCode() should return true for matching code")
	}

	if IsCode(err, CodeSendTimeout) {
		t.Error("IsCode() should return false for non-matching code")
	}

	if IsCode(nil, CodeStorageNotFound) {
		t.Error("IsCode() should return false for nil error")
	}
}

func TestErrorConstructors(t *testing.T) {
	t.Run("SendTimeout", func(t *testing.T) {
		err := SendTimeout("req-1", "refresh-channels")
		if !IsCode(err, CodeSendTimeout) {
			t.Errorf("SendTimeout() code = %q, want %q", GetCode(err), CodeSendTimeout)
		}
		if !strings.Contains(err.Message, "req-1") {
			t.Errorf("SendTimeout() message = %q, want correlation id", err.Message)
		}
	})

	t.Run("ResponseTimeout", func(t *testing.T) {
		err := ResponseTimeout("req-2", "initiate-auth")
		if !IsCode(err, CodeResponseTimeout) {
			t.Errorf("ResponseTimeout() code = %q, want %q", GetCode(err), CodeResponseTimeout)
		}
	})

	t.Run("ApplicationError keeps backend message", func(t *testing.T) {
		err := ApplicationError("Invalid method frobnicate")
		if err.Message != "Invalid method frobnicate" {
			t.Errorf("ApplicationError() message = %q", err.Message)
		}
		if ApplicationError("").Message != "request failed" {
			t.Error("ApplicationError(\"\") should fall back to a generic message")
		}
	})

	t.Run("TransportUnavailable", func(t *testing.T) {
		cause := errors.New("dial tcp: connection refused")
		err := TransportUnavailable(cause)
		if !IsCode(err, CodeTransportUnavailable) {
			t.Errorf("TransportUnavailable() code = %q", GetCode(err))
		}
		if !errors.Is(err, cause) {
			t.Error("TransportUnavailable() should preserve cause")
		}
		if TransportUnavailable(nil).Cause != nil {
			t.Error("TransportUnavailable(nil) should have no cause")
		}
	})

	t.Run("InvalidMethod", func(t *testing.T) {
		err := InvalidMethod("frobnicate")
		if !IsCode(err, CodeInvalidMethod) || err.Message != "Invalid method frobnicate" {
			t.Errorf("InvalidMethod() = %v", err)
		}
	})

	t.Run("CorrelatorClosed behind TransportUnavailable", func(t *testing.T) {
		err := TransportUnavailable(CorrelatorClosed())
		if !IsCode(err, CodeTransportUnavailable) {
			t.Errorf("outer code = %q", GetCode(err))
		}
		if !IsCode(errors.Unwrap(err), CodeCorrelatorClosed) {
			t.Errorf("cause code = %q, want %q", GetCode(errors.Unwrap(err)), CodeCorrelatorClosed)
		}
	})

	t.Run("Server codes", func(t *testing.T) {
		cause := errors.New("bad handshake")
		if err := UpgradeFailed(cause); !IsCode(err, CodeServerUpgradeFailed) || !errors.Is(err, cause) {
			t.Errorf("UpgradeFailed() = %v", err)
		}
		if err := RateLimited(); !IsCode(err, CodeServerRateLimited) {
			t.Errorf("RateLimited() = %v", err)
		}
	})

	t.Run("MirrorWriteFailed", func(t *testing.T) {
		err := MirrorWriteFailed(403, "forbidden")
		if err.Message != "Error updating session: 403: forbidden" {
			t.Errorf("MirrorWriteFailed() message = %q", err.Message)
		}
	})

	t.Run("FunctionMissing", func(t *testing.T) {
		err := FunctionMissing("lmk.widget.sync")
		if !strings.Contains(err.Message, "not registered") {
			t.Errorf("FunctionMissing() message = %q, want 'not registered'", err.Message)
		}
	})

	t.Run("Internal", func(t *testing.T) {
		cause := errors.New("db connection lost")
		err := Internal("database error", cause)
		if !IsCode(err, CodeInternal) {
			t.Errorf("Internal() code = %q, want %q", GetCode(err), CodeInternal)
		}
		if err.Cause != cause {
			t.Error("Internal() should preserve cause")
		}
	})
}

func TestErrorsAs(t *testing.T) {
	// errors.As finds the outermost CodedError in a chain
	cause := errors.New("original")
	coded := Wrap(CodeTransientSyncFailure, "wrapped", cause)
	wrapped := Wrap(CodeInternal, "double wrapped", coded)

	var target *CodedError
	if !errors.As(wrapped, &target) {
		t.Error("errors.As should find CodedError in chain")
	}
	if target.Code != CodeInternal {
		t.Errorf("errors.As should find outermost CodedError, got code %q", target.Code)
	}
}

func TestErrorCodes(t *testing.T) {
	// Verify error code format is {domain}.{error}
	codes := []string{
		CodeSendTimeout,
		CodeResponseTimeout,
		CodeApplicationError,
		CodeInvalidMethod,
		CodeCorrelatorClosed,
		CodeDuplicateRequest,
		CodeTransportUnavailable,
		CodePermanentSyncFailure,
		CodeTransientSyncFailure,
		CodeMirrorWriteFailed,
		CodeUnknownField,
		CodeServerUpgradeFailed,
		CodeServerInvalidMessage,
		CodeServerRateLimited,
		CodeServerFunctionMissing,
		CodeStorageNotFound,
		CodeStorageOpenFailed,
		CodeStorageQueryFailed,
		CodeStorageSaveFailed,
		CodeAuthRequired,
		CodeAuthInvalid,
		CodeAuthNotComplete,
		CodeAuthTimeout,
		CodeAuthCancelled,
		CodeRunSpawnFailed,
		CodeKeepAwakeUnsupported,
		CodeKeepAwakeAcquireFailed,
		CodeUnknown,
		CodeInternal,
	}

	seen := make(map[string]bool)
	for _, code := range codes {
		if code == "" {
			t.Error("error code should not be empty")
			continue
		}
		if !strings.Contains(code, ".") {
			t.Errorf("error code %q should be in format {domain}.{error}", code)
		}
		if seen[code] {
			t.Errorf("error code %q is declared twice", code)
		}
		seen[code] = true
	}
}
