package session

import "testing"

func TestValidTransitions(t *testing.T) {
	valid := []struct{ from, to State }{
		{StateConnecting, StateSubscribing},
		{StateSubscribing, StateConnected},
		{StateConnected, StateReconnecting},
		{StateConnected, StateClosing},
		{StateReconnecting, StateConnected},
		{StateReconnecting, StateClosing},
		{StateClosing, StateReconnecting},
		{StateClosing, StateClosed},
		{StateConnecting, StateClosed},
	}
	for _, tt := range valid {
		if !isValidTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be valid", tt.from, tt.to)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	invalid := []struct{ from, to State }{
		{StateConnecting, StateConnected},
		{StateSubscribing, StateReconnecting},
		{StateClosing, StateConnected},
		{StateClosed, StateConnecting},
		{StateClosed, StateConnected},
		{StateClosed, StateClosing},
	}
	for _, tt := range invalid {
		if isValidTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be invalid", tt.from, tt.to)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateReconnecting.String() != "reconnecting" {
		t.Errorf("unexpected name %q", StateReconnecting.String())
	}
	if State(99).String() != "unknown" {
		t.Errorf("expected unknown for out of range state")
	}
}
