// Package session drives one job through login, optional OTP, report download and upload.
package session

import (
	"errors"
	"fmt"
)

type State string

const (
	Init                State = "Init"
	LoggingIn           State = "LoggingIn"
	AwaitingOtp         State = "AwaitingOtp"
	NavigatingToReports State = "NavigatingToReports"
	Downloading         State = "Downloading"
	Uploading           State = "Uploading"
	Done                State = "Done"
	Failed              State = "Failed"
)

var transitions = map[State][]State{
	Init:                {LoggingIn, Failed},
	LoggingIn:           {AwaitingOtp, NavigatingToReports, Failed},
	AwaitingOtp:         {NavigatingToReports, Failed},
	NavigatingToReports: {Downloading, Failed},
	Downloading:         {Uploading, Failed},
	Uploading:           {Done, Failed},
}

func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// CanMove reports whether the machine may go from s to next.
func (s State) CanMove(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ErrIllegalTransition matches errors from an out-of-order state change.
var ErrIllegalTransition = errors.New("illegal session transition")

type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.from, e.to)
}

func (e *transitionError) Is(target error) bool { return target == ErrIllegalTransition }
