package processing

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Message states.
const (
	stateCreated    = "created"
	stateSent       = "sent"
	stateConfirming = "confirming"
	stateConfirmed  = "confirmed"
	stateExpired    = "expired"
	stateFailed     = "failed"
)

// Message state machine events.
const (
	eventSend    = "send"
	eventWait    = "wait"
	eventConfirm = "confirm"
	eventExpire  = "expire"
	eventFail    = "fail"
)

// newMessageFSM returns the state machine of one submitted message:
//
//	created → sent → confirming → confirmed | expired
//
// Any non-terminal state may fail.
func newMessageFSM() *fsm.FSM {
	return fsm.NewFSM(
		stateCreated,
		fsm.Events{
			{Name: eventSend, Src: []string{stateCreated}, Dst: stateSent},
			{Name: eventWait, Src: []string{stateSent}, Dst: stateConfirming},
			{Name: eventConfirm, Src: []string{stateConfirming}, Dst: stateConfirmed},
			{Name: eventExpire, Src: []string{stateConfirming}, Dst: stateExpired},
			{Name: eventFail, Src: []string{stateCreated, stateSent, stateConfirming}, Dst: stateFailed},
		},
		fsm.Callbacks{},
	)
}

// transition fires event. An illegal transition is a bug in the pipeline.
// A cancelled ctx does not stop the transition: the message state must follow what happened.
func transition(ctx context.Context, machine *fsm.FSM, event string) error {
	if err := machine.Event(context.WithoutCancel(ctx), event); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrIllegalTransition, event, machine.Current(), err)
	}
	return nil
}
