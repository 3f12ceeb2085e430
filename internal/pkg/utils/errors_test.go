package utils

import (
	"errors"
	"testing"
)

func TestIsUniqueConstraintErrorMatchesSQLiteMessage(t *testing.T) {
	err := errors.New("UNIQUE constraint failed: devices.id")
	if !IsUniqueConstraintError(err) {
		t.Fatal("expected a case-insensitive match on the sqlite unique constraint message")
	}
}

func TestIsUniqueConstraintErrorRejectsUnrelatedError(t *testing.T) {
	if IsUniqueConstraintError(errors.New("connection refused")) {
		t.Fatal("expected an unrelated error to not match")
	}
}

func TestIsUniqueConstraintErrorHandlesNil(t *testing.T) {
	if IsUniqueConstraintError(nil) {
		t.Fatal("expected a nil error to not match")
	}
}
