// Copyright 2024-2026 Aiku AI

package connector

import (
	"maunium.net/go/mautrix/bridgev2/status"
)

// State is a session's position in the connection lifecycle.
type State int

const (
	// stateNone is the "from" state when a session is first published.
	stateNone State = iota - 1
	StateInitializing
	StateAwaitingBootstrap
	StateConnected
	StateReconnecting
	StateCircuitOpen
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case stateNone:
		return "none"
	case StateInitializing:
		return "initializing"
	case StateAwaitingBootstrap:
		return "awaiting_bootstrap"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateCircuitOpen:
		return "circuit_open"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// BridgeState maps s onto the bridge state vocabulary used by status dashboards.
func (s State) BridgeState() status.BridgeStateEvent {
	switch s {
	case StateInitializing, StateAwaitingBootstrap:
		return status.StateConnecting
	case StateConnected:
		return status.StateConnected
	case StateReconnecting:
		return status.StateTransientDisconnect
	case StateCircuitOpen:
		return status.StateUnknownError
	case StateLoggedOut:
		return status.StateLoggedOut
	default:
		return status.StateUnknownError
	}
}

// allStates lists every externally visible state, for metrics.
var allStates = []State{
	StateInitializing,
	StateAwaitingBootstrap,
	StateConnected,
	StateReconnecting,
	StateCircuitOpen,
	StateLoggedOut,
}
