package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"
)

func TestCategories(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		transient   bool
		persistence bool
	}{
		{"fetch", NewFetchFailure("status 502", nil), true, false},
		{"fetch wrapped", Wrap(NewFetchFailure("dial", context.DeadlineExceeded), "cycle"), true, false},
		{"invalid reading", NewInvalidReading("negative"), false, false},
		{"flush", NewPersistenceFailure("file", "flush", fmt.Errorf("disk full")), false, true},
		{"unavailable", ErrBackendUnavailable, false, true},
		{"nil", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
			if got := IsPersistence(tt.err); got != tt.persistence {
				t.Errorf("IsPersistence = %v, want %v", got, tt.persistence)
			}
		})
	}
}

func TestNewFetchFailure_KeepsCause(t *testing.T) {
	err := NewFetchFailure("request", context.DeadlineExceeded)
	if !Is(err, ErrFetchFailure) {
		t.Error("expected ErrFetchFailure")
	}
	if !Is(err, context.DeadlineExceeded) {
		t.Error("expected cause to be preserved")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrNoData, http.StatusServiceUnavailable},
		{Wrapf(ErrUnknownResolution, "resolution %q", "yearly"), http.StatusBadRequest},
		{ErrArchiveDisabled, http.StatusNotFound},
		{ErrTimeout, http.StatusGatewayTimeout},
		{NewFetchFailure("boom", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}
