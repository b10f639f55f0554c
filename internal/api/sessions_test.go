package api

import (
	"testing"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/domain"
)

func TestSessionRegistryReplacesSameUser(t *testing.T) {
	t.Parallel()

	reg := NewSessionRegistry()
	user := &domain.User{UserID: "user_1", Email: "a@example.com"}

	reg.Register(&ActiveSession{Token: "t1", User: user})
	reg.Register(&ActiveSession{Token: "t2", User: user})

	if reg.Len() != 1 {
		t.Errorf("expected one session for the user, got %d", reg.Len())
	}
	if reg.Get("t1") != nil {
		t.Error("the older session should have been replaced")
	}
	if reg.Get("t2") == nil {
		t.Error("the newer session should be active")
	}
}

func TestSessionRegistryRemove(t *testing.T) {
	t.Parallel()

	reg := NewSessionRegistry()
	reg.Register(&ActiveSession{Token: "t1", User: &domain.User{UserID: "user_1"}})

	reg.Remove("t1")
	if reg.Get("t1") != nil {
		t.Error("removed session still resolvable")
	}
	if reg.Len() != 0 {
		t.Errorf("expected an empty registry, got %d", reg.Len())
	}

	// Removing an unknown token is a no-op.
	reg.Remove("missing")
}
