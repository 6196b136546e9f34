package iothub

import "fmt"

// ConnectionStatus is the connectivity status reported to the application.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	DisconnectedRetrying
	Connected
	Disabled
	Closed
)

func (status ConnectionStatus) String() string {
	switch status {
	case Disconnected:
		return "Disconnected"
	case DisconnectedRetrying:
		return "DisconnectedRetrying"
	case Connected:
		return "Connected"
	case Disabled:
		return "Disabled"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("ConnectionStatus(%d)", int(status))
}

// ConnectionStatusChangeReason explains the last status change.
type ConnectionStatusChangeReason int

const (
	ConnectionOk ConnectionStatusChangeReason = iota
	ExpiredSasToken
	DeviceDisabledReason
	BadCredential
	RetryExpired
	NoNetwork
	CommunicationErrorReason
	ClientClose
)

func (reason ConnectionStatusChangeReason) String() string {
	switch reason {
	case ConnectionOk:
		return "ConnectionOk"
	case ExpiredSasToken:
		return "ExpiredSasToken"
	case DeviceDisabledReason:
		return "DeviceDisabled"
	case BadCredential:
		return "BadCredential"
	case RetryExpired:
		return "RetryExpired"
	case NoNetwork:
		return "NoNetwork"
	case CommunicationErrorReason:
		return "CommunicationError"
	case ClientClose:
		return "ClientClose"
	}
	return fmt.Sprintf("ConnectionStatusChangeReason(%d)", int(reason))
}

// ConnectionStatusInfo is one reported (status, reason) pair.
type ConnectionStatusInfo struct {
	Status ConnectionStatus
	Reason ConnectionStatusChangeReason
}

// ConnectionStatusChangeHandler receives status transitions.
type ConnectionStatusChangeHandler func(status ConnectionStatus, reason ConnectionStatusChangeReason)

func reasonForError(err error) ConnectionStatusChangeReason {
	switch ErrorCode(err) {
	case DeviceNotFoundError, DeviceDisabledError:
		return DeviceDisabledReason
	case UnauthorizedError:
		return BadCredential
	case NetworkError:
		return NoNetwork
	}
	return CommunicationErrorReason
}

// ClientTransportState is the state of the connection-state handler.
type ClientTransportState int

const (
	StateClosed ClientTransportState = iota
	StateOpening
	StateOpen
	StateClosing
	StateError
)

func (state ClientTransportState) String() string {
	switch state {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateError:
		return "Error"
	}
	return fmt.Sprintf("ClientTransportState(%d)", int(state))
}

// ClientStateAction drives ClientTransportState transitions.
type ClientStateAction int

const (
	ActionOpenStart ClientStateAction = iota
	ActionOpenSuccess
	ActionOpenFailure
	ActionCloseStart
	ActionCloseComplete
	ActionConnectionLost
	ActionError
)

func (action ClientStateAction) String() string {
	switch action {
	case ActionOpenStart:
		return "OpenStart"
	case ActionOpenSuccess:
		return "OpenSuccess"
	case ActionOpenFailure:
		return "OpenFailure"
	case ActionCloseStart:
		return "CloseStart"
	case ActionCloseComplete:
		return "CloseComplete"
	case ActionConnectionLost:
		return "ConnectionLost"
	case ActionError:
		return "Error"
	}
	return fmt.Sprintf("ClientStateAction(%d)", int(action))
}

func nextTransportState(state ClientTransportState, action ClientStateAction) (ClientTransportState, error) {
	switch action {
	case ActionOpenStart:
		if state == StateClosed || state == StateError {
			return StateOpening, nil
		}
	case ActionOpenSuccess:
		if state == StateOpening {
			return StateOpen, nil
		}
	case ActionOpenFailure:
		if state == StateOpening {
			return StateClosed, nil
		}
	case ActionConnectionLost:
		if state == StateOpen {
			return StateOpening, nil
		}
	case ActionError:
		if state == StateOpen || state == StateOpening {
			return StateError, nil
		}
	case ActionCloseStart:
		if state != StateClosing {
			return StateClosing, nil
		}
	case ActionCloseComplete:
		if state == StateClosing {
			return StateClosed, nil
		}
	}
	return state, NewError(InvalidOperationError, fmt.Sprintf("cannot apply %s in state %s", action, state))
}
