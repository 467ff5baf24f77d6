package session_test

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/livevoice/internal/session"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to session.State
		want     bool
	}{
		{session.Idle, session.Connecting, true},
		{session.Idle, session.Active, false},
		{session.Connecting, session.Active, true},
		{session.Connecting, session.Closing, true},
		{session.Connecting, session.Errored, true},
		{session.Active, session.Closing, true},
		{session.Active, session.Errored, true},
		{session.Active, session.Idle, false},
		{session.Closing, session.Closed, true},
		{session.Closing, session.Active, false},
		{session.Errored, session.Closed, true},
		{session.Errored, session.Idle, false},
		{session.Closed, session.Idle, true},
		{session.Closed, session.Connecting, false},
	}
	for _, tc := range tests {
		if got := session.CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	if got := session.Errored.String(); got != "errored" {
		t.Errorf("Errored = %q", got)
	}
	if got := session.State(42).String(); got != "State(42)" {
		t.Errorf("unknown = %q", got)
	}

	data, err := json.Marshal(session.Status{State: session.Active, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["state"] != "active" {
		t.Errorf("state JSON = %v", decoded["state"])
	}
	if _, ok := decoded["started_at"]; ok {
		t.Error("zero started_at should be omitted")
	}
}
