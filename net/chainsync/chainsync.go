// Package chainsync implements the client side of the chain-sync mini-protocol:
// the message codec, the agency state machine and a client that feeds
// accepted headers into the chain index.
package chainsync

// ProtocolID identifies chain-sync within the multiplexed connection.
const ProtocolID uint16 = 2

type State int

const (
	StateIdle State = iota
	StateIntersect
	StateCanAwait
	StateMustReply
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateIntersect:
		return "Intersect"
	case StateCanAwait:
		return "CanAwait"
	case StateMustReply:
		return "MustReply"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Agency is the side allowed to send next.
type Agency int

const (
	AgencyNone Agency = iota
	AgencyClient
	AgencyServer
)

func (a Agency) String() string {
	switch a {
	case AgencyClient:
		return "client"
	case AgencyServer:
		return "server"
	default:
		return "none"
	}
}

func (s State) Agency() Agency {
	switch s {
	case StateIdle:
		return AgencyClient
	case StateIntersect, StateCanAwait, StateMustReply:
		return AgencyServer
	default:
		return AgencyNone
	}
}

// Result is the terminal outcome of a sync session.
type Result struct {
	OK     bool
	Reason string
}

// Status is the protocol state carried between transitions.
type Status struct {
	State          State
	IntersectFound bool
	Result         *Result
}

// receiveTable lists, per server-agency state, the message ids accepted and
// the state each leads to.
var receiveTable = map[State]map[MessageID]State{
	StateIntersect: {
		IDIntersectFound:    StateIdle,
		IDIntersectNotFound: StateIdle,
	},
	StateCanAwait: {
		IDAwaitReply:   StateMustReply,
		IDRollForward:  StateIdle,
		IDRollBackward: StateIdle,
	},
	StateMustReply: {
		IDRollForward:  StateIdle,
		IDRollBackward: StateIdle,
		IDDone:         StateDone,
	},
}

// Apply returns the status after receiving msg. A message the current state
// does not accept yields an *UnexpectedMessageError and the status unchanged.
//
// IntersectNotFound still marks the intersection as found: the client goes on
// to request headers from the peer's chosen starting point.
func Apply(s Status, msg Message) (Status, error) {
	next, ok := receiveTable[s.State][msg.ID()]
	if !ok {
		return s, &UnexpectedMessageError{State: s.State, ID: uint64(msg.ID())}
	}
	s.State = next
	switch msg.(type) {
	case MsgIntersectFound, MsgIntersectNotFound:
		s.IntersectFound = true
	case MsgDone:
		s.Result = &Result{OK: true, Reason: "Done"}
	}
	return s, nil
}
