package service

import (
	"errors"
	"testing"

	"servicecrm_backend/internal/leads/repository"
	"servicecrm_backend/platform/apperr"
)

func TestIsStopKeyword(t *testing.T) {
	stops := []string{
		"STOP", "stop", " Stop ", "STOPALL", "unsubscribe", "CANCEL", "end", "QUIT",
	}
	for _, body := range stops {
		if !isStopKeyword(body) {
			t.Fatalf("%q should be an opt-out keyword", body)
		}
	}

	replies := []string{
		"", "yes please", "stop by tomorrow", "can you call me", "STOP?", "quit it",
	}
	for _, body := range replies {
		if isStopKeyword(body) {
			t.Fatalf("%q should be treated as a normal reply", body)
		}
	}
}

func TestMapRepoErr(t *testing.T) {
	if err := mapRepoErr(nil); err != nil {
		t.Fatalf("nil should pass through, got %v", err)
	}

	err := mapRepoErr(repository.ErrNotFound)
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected apperr.Error, got %T", err)
	}
	if appErr.HTTPStatus() != 404 {
		t.Fatalf("expected 404, got %d", appErr.HTTPStatus())
	}

	other := errors.New("connection refused")
	if got := mapRepoErr(other); !errors.Is(got, other) {
		t.Fatalf("unexpected wrapping of unrelated error: %v", got)
	}
}
