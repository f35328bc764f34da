package wsconn

import "github.com/meteorx/marketfeed/internal/domain"

// allowedTransitions encodes the connection's FSM edges. A transition
// not present here is rejected by transition.
var allowedTransitions = map[domain.ConnState][]domain.ConnState{
	domain.StateIdle:            {domain.StateConnecting},
	domain.StateConnecting:      {domain.StateConnected, domain.StateError, domain.StateDisconnected},
	domain.StateConnected:       {domain.StateAuthenticating, domain.StateSubscribing, domain.StateError},
	domain.StateAuthenticating:  {domain.StateSubscribing, domain.StateError},
	domain.StateSubscribing:     {domain.StateActive, domain.StateError},
	domain.StateActive:          {domain.StateHeartbeatFailed, domain.StateDisconnecting, domain.StateError, domain.StateSubscribing},
	domain.StateHeartbeatFailed: {domain.StateDisconnecting, domain.StateDisconnected},
	domain.StateDisconnecting:   {domain.StateDisconnected},
	domain.StateDisconnected:    {domain.StateReconnecting, domain.StateTerminated},
	domain.StateReconnecting:    {domain.StateConnecting, domain.StateTerminated},
	domain.StateError:           {domain.StateDisconnecting, domain.StateDisconnected, domain.StateReconnecting, domain.StateTerminated},
	domain.StateTerminated:      {},
}

func canTransition(from, to domain.ConnState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
