package peer

// This file implements the BGP session Finite State Machine (RFC 4271
// Section 8). The FSM is a pure function over a transition table -- no
// side effects, no Session dependency -- so the table can be audited
// against the RFC and tested exhaustively.
//
// Deviations from the RFC state machine, matching the monitor's
// recovery model: a transport failure or protocol error once the
// connection is up returns the session to Idle, from which the session
// restarts after the retry interval; a failed connect moves Connect to
// Active, where the retry timer re-enters Connect. There is no separate
// damping of the Connect/Active oscillation beyond the configured retry
// interval.

// State is the BGP FSM state (RFC 4271 Section 8.2.2).
type State uint8

const (
	// StateIdle is the initial state; no resources are allocated.
	StateIdle State = iota + 1

	// StateConnect waits for the transport connection to complete.
	StateConnect

	// StateActive waits for the retry timer before reconnecting.
	StateActive

	// StateOpenSent waits for the remote OPEN after sending ours.
	StateOpenSent

	// StateOpenConfirm waits for KEEPALIVE or NOTIFICATION.
	StateOpenConfirm

	// StateEstablished exchanges UPDATE messages.
	StateEstablished
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateActive:
		return "Active"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}

// Event is a BGP FSM input (RFC 4271 Section 8.1).
type Event uint8

const (
	// EventStart is the administrative start (ManualStart, event 1).
	EventStart Event = iota + 1

	// EventStop is the administrative stop (ManualStop, event 2).
	EventStop

	// EventTransportOpen fires when the TCP connection is established
	// (TcpConnectionConfirmed, event 17).
	EventTransportOpen

	// EventTransportFail fires on TCP connect failure or loss
	// (TcpConnectionFails, event 18).
	EventTransportFail

	// EventRetryExpired fires when the connect retry timer expires
	// (ConnectRetryTimer_Expires, event 9).
	EventRetryExpired

	// EventRecvOpen fires on a received OPEN that passed the
	// capability requirement check (BGPOpen, event 19).
	EventRecvOpen

	// EventOpenRejected fires when the received OPEN failed the
	// capability requirement check (BGPOpenMsgErr, event 22).
	EventOpenRejected

	// EventRecvKeepalive fires on a received KEEPALIVE (event 26).
	EventRecvKeepalive

	// EventRecvUpdate fires on a received UPDATE (event 27).
	EventRecvUpdate

	// EventRecvNotification fires on a received NOTIFICATION
	// (NotifMsg, event 25).
	EventRecvNotification

	// EventHoldExpired fires when the hold timer expires
	// (HoldTimer_Expires, event 10).
	EventHoldExpired
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventStart:
		return "Start"
	case EventStop:
		return "Stop"
	case EventTransportOpen:
		return "TransportOpen"
	case EventTransportFail:
		return "TransportFail"
	case EventRetryExpired:
		return "RetryExpired"
	case EventRecvOpen:
		return "RecvOpen"
	case EventOpenRejected:
		return "OpenRejected"
	case EventRecvKeepalive:
		return "RecvKeepalive"
	case EventRecvUpdate:
		return "RecvUpdate"
	case EventRecvNotification:
		return "RecvNotification"
	case EventHoldExpired:
		return "HoldExpired"
	default:
		return "Unknown"
	}
}

// Action is a side-effect the caller must execute after a transition.
type Action uint8

const (
	// ActionSendOpen transmits our OPEN message.
	ActionSendOpen Action = iota + 1

	// ActionSendKeepalive transmits a KEEPALIVE message.
	ActionSendKeepalive

	// ActionSendNotification transmits the pending NOTIFICATION and
	// closes the transport.
	ActionSendNotification

	// ActionCloseTransport closes the transport without NOTIFICATION.
	ActionCloseTransport
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionSendOpen:
		return "SendOpen"
	case ActionSendKeepalive:
		return "SendKeepalive"
	case ActionSendNotification:
		return "SendNotification"
	case ActionCloseTransport:
		return "CloseTransport"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

// Result holds the outcome of applying an event.
type Result struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

// fsmTable is the transition table. Unlisted (state, event) pairs are
// ignored: the event is dropped and the state unchanged.
var fsmTable = map[stateEvent]transition{
	// Idle: only an administrative start leaves it.
	{StateIdle, EventStart}: {newState: StateConnect},

	// Connect: waiting for the TCP session.
	{StateConnect, EventTransportOpen}: {
		newState: StateOpenSent,
		actions:  []Action{ActionSendOpen},
	},
	{StateConnect, EventTransportFail}: {newState: StateActive},
	{StateConnect, EventStop}: {
		newState: StateIdle,
		actions:  []Action{ActionCloseTransport},
	},

	// Active: retry timer running.
	{StateActive, EventRetryExpired}: {newState: StateConnect},
	{StateActive, EventTransportOpen}: {
		newState: StateOpenSent,
		actions:  []Action{ActionSendOpen},
	},
	{StateActive, EventStop}: {newState: StateIdle},

	// OpenSent: our OPEN is out.
	{StateOpenSent, EventRecvOpen}: {
		newState: StateOpenConfirm,
		actions:  []Action{ActionSendKeepalive},
	},
	{StateOpenSent, EventOpenRejected}: {
		newState: StateIdle,
		actions:  []Action{ActionSendNotification},
	},
	{StateOpenSent, EventRecvNotification}: {
		newState: StateIdle,
		actions:  []Action{ActionCloseTransport},
	},
	{StateOpenSent, EventTransportFail}: {newState: StateIdle},
	{StateOpenSent, EventHoldExpired}: {
		newState: StateIdle,
		actions:  []Action{ActionSendNotification},
	},
	{StateOpenSent, EventStop}: {
		newState: StateIdle,
		actions:  []Action{ActionSendNotification},
	},

	// OpenConfirm: waiting for the peer's KEEPALIVE.
	{StateOpenConfirm, EventRecvKeepalive}: {newState: StateEstablished},
	{StateOpenConfirm, EventRecvNotification}: {
		newState: StateIdle,
		actions:  []Action{ActionCloseTransport},
	},
	{StateOpenConfirm, EventTransportFail}: {newState: StateIdle},
	{StateOpenConfirm, EventHoldExpired}: {
		newState: StateIdle,
		actions:  []Action{ActionSendNotification},
	},
	{StateOpenConfirm, EventStop}: {
		newState: StateIdle,
		actions:  []Action{ActionSendNotification},
	},

	// Established: the event stream we exist to observe.
	{StateEstablished, EventRecvUpdate}:    {newState: StateEstablished},
	{StateEstablished, EventRecvKeepalive}: {newState: StateEstablished},
	{StateEstablished, EventRecvNotification}: {
		newState: StateIdle,
		actions:  []Action{ActionCloseTransport},
	},
	{StateEstablished, EventTransportFail}: {newState: StateIdle},
	{StateEstablished, EventHoldExpired}: {
		newState: StateIdle,
		actions:  []Action{ActionSendNotification},
	},
	{StateEstablished, EventStop}: {
		newState: StateIdle,
		actions:  []Action{ActionSendNotification},
	},
}

// ApplyEvent applies an FSM event to the given state and returns the
// result. Pure function; the caller executes the returned actions.
func ApplyEvent(current State, event Event) Result {
	tr, ok := fsmTable[stateEvent{state: current, event: event}]
	if !ok {
		return Result{OldState: current, NewState: current}
	}
	return Result{
		OldState: current,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  current != tr.newState,
	}
}
