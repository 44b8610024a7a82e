package model

import (
	"errors"
	"strings"
	"testing"
)

func TestCredential_ValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		cred    Credential
		wantErr bool
	}{
		{"with password", Credential{Username: "alice", Password: "pw1"}, false},
		{"empty password", Credential{Username: "alice"}, false},
		{"empty username", Credential{Password: "pw1"}, true},
		{"blank username", Credential{Username: " \t"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cred.ValidateUsername()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var apiErr *APIError
			if tt.wantErr && (!errors.As(err, &apiErr) || apiErr.Code != ErrCodeValidation) {
				t.Errorf("err = %v, want validation APIError", err)
			}
		})
	}
}

func TestCredential_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cred    Credential
		wantErr bool
		missing string
	}{
		{"valid", Credential{Username: "alice", Password: "pw1"}, false, ""},
		{"empty username", Credential{Password: "pw1"}, true, "username"},
		{"blank username", Credential{Username: "   ", Password: "pw1"}, true, "username"},
		{"empty password", Credential{Username: "alice"}, true, "password"},
		{"both empty", Credential{}, true, "username, password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cred.Validate()
			if !tt.wantErr {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.Code != ErrCodeValidation {
				t.Errorf("code = %q, want %q", apiErr.Code, ErrCodeValidation)
			}
			if !strings.Contains(apiErr.Message, tt.missing) {
				t.Errorf("message %q should mention %q", apiErr.Message, tt.missing)
			}
		})
	}
}

func TestClaims_Subject(t *testing.T) {
	if got := (Claims{"sub": "alice"}).Subject(); got != "alice" {
		t.Errorf("Subject() = %q, want alice", got)
	}
	if got := (Claims{"sub": 42}).Subject(); got != "" {
		t.Errorf("non-string sub: Subject() = %q, want empty", got)
	}
	if got := (Claims{}).Subject(); got != "" {
		t.Errorf("missing sub: Subject() = %q, want empty", got)
	}
}

func TestAPIError_Error(t *testing.T) {
	err := NewCookieNotFoundError()
	if got := err.Error(); got != "[COOKIE_NOT_FOUND] cookie not found" {
		t.Errorf("Error() = %q", got)
	}
}
