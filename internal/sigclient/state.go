package sigclient

import (
	"fmt"
	"time"
)

// State is the coarse connection state of the signaling transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateGivingUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateGivingUp:
		return "giving-up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status pairs the state with the reconnect attempt counter. Attempt is 0
// during the initial connect and 1..MaxAttempts during reconnects.
type Status struct {
	State   State
	Attempt int
}

const (
	// BaseRetryDelay is the delay before the first reconnect attempt; each
	// further attempt doubles it.
	BaseRetryDelay = 1 * time.Second
	// MaxAttempts is the number of consecutive dial failures tolerated
	// before the transport gives up permanently.
	MaxAttempts = 5
)

type event int

const (
	evDial event = iota
	evDialOK
	evDialFail
	evConnLost
	evCloseRequested
)

type action int

const (
	actNone action = iota
	actDial
	actFlushQueue
	actScheduleRetry
	actGiveUp
)

// transition is the whole reconnect policy as a pure function. The caller
// performs the returned action.
func transition(st Status, ev event) (Status, action) {
	if ev == evCloseRequested {
		return Status{State: StateDisconnected}, actNone
	}

	switch st.State {
	case StateDisconnected:
		if ev == evDial {
			return Status{State: StateConnecting, Attempt: 0}, actDial
		}
	case StateConnecting:
		switch ev {
		case evDialOK:
			return Status{State: StateOpen}, actFlushQueue
		case evDialFail:
			if st.Attempt >= MaxAttempts {
				return Status{State: StateGivingUp}, actGiveUp
			}
			return Status{State: StateConnecting, Attempt: st.Attempt + 1}, actScheduleRetry
		}
	case StateOpen:
		if ev == evConnLost {
			return Status{State: StateConnecting, Attempt: 1}, actScheduleRetry
		}
	case StateGivingUp:
		// Terminal. A new client must be created to reconnect.
	}
	return st, actNone
}

// retryDelay returns the wait before reconnect attempt n: 1s, 2s, 4s, 8s,
// 16s for attempts 1 through 5.
func retryDelay(attempt int) time.Duration {
	d := BaseRetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
