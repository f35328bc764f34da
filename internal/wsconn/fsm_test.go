package wsconn

import (
	"testing"

	"github.com/meteorx/marketfeed/internal/domain"
)

func TestCanTransitionHappyPath(t *testing.T) {
	path := []domain.ConnState{
		domain.StateIdle,
		domain.StateConnecting,
		domain.StateConnected,
		domain.StateSubscribing,
		domain.StateActive,
		domain.StateDisconnecting,
		domain.StateDisconnected,
		domain.StateReconnecting,
		domain.StateConnecting,
	}
	for i := 0; i < len(path)-1; i++ {
		if !canTransition(path[i], path[i+1]) {
			t.Errorf("expected %s -> %s to be allowed", path[i], path[i+1])
		}
	}
}

func TestCanTransitionRejectsSkippedStates(t *testing.T) {
	if canTransition(domain.StateIdle, domain.StateActive) {
		t.Errorf("expected IDLE -> ACTIVE to be rejected")
	}
	if canTransition(domain.StateConnected, domain.StateReconnecting) {
		t.Errorf("expected CONNECTED -> RECONNECTING to be rejected")
	}
}

func TestTerminatedStateHasNoOutgoingTransitions(t *testing.T) {
	for _, to := range []domain.ConnState{
		domain.StateIdle, domain.StateConnecting, domain.StateConnected,
		domain.StateActive, domain.StateReconnecting, domain.StateTerminated,
	} {
		if canTransition(domain.StateTerminated, to) {
			t.Errorf("TERMINATED should have no outgoing transitions, got allowed to %s", to)
		}
	}
}

func TestErrorStateCanReachTerminalOutcomes(t *testing.T) {
	for _, to := range []domain.ConnState{
		domain.StateDisconnecting, domain.StateDisconnected,
		domain.StateReconnecting, domain.StateTerminated,
	} {
		if !canTransition(domain.StateError, to) {
			t.Errorf("expected ERROR -> %s to be allowed", to)
		}
	}
}

func TestActiveCanReturnToSubscribingForIncrementalSubscribe(t *testing.T) {
	if !canTransition(domain.StateActive, domain.StateSubscribing) {
		t.Errorf("expected ACTIVE -> SUBSCRIBING to be allowed for incremental subscribe requests")
	}
}
