package session

import (
	"errors"
	"fmt"
	"strings"
)

// TaskStateCode is the persisted lifecycle state of a task.
type TaskStateCode int16

// Task states. The numeric codes are stored in tasks.state.
const (
	StateBlocked           TaskStateCode = 0
	StateReady             TaskStateCode = 1
	StateRetryWaiting      TaskStateCode = 2
	StateGroupRetryWaiting TaskStateCode = 3
	StateRunning           TaskStateCode = 4
	StatePlanned           TaskStateCode = 5
	StateGroupError        TaskStateCode = 6
	StateSuccess           TaskStateCode = 7
	StateError             TaskStateCode = 8
	StateCanceled          TaskStateCode = 9
)

var stateNames = map[TaskStateCode]string{
	StateBlocked:           "blocked",
	StateReady:             "ready",
	StateRetryWaiting:      "retry_waiting",
	StateGroupRetryWaiting: "group_retry_waiting",
	StateRunning:           "running",
	StatePlanned:           "planned",
	StateGroupError:        "group_error",
	StateSuccess:           "success",
	StateError:             "error",
	StateCanceled:          "canceled",
}

// AllStates returns every state in code order.
func AllStates() []TaskStateCode {
	return []TaskStateCode{
		StateBlocked, StateReady, StateRetryWaiting, StateGroupRetryWaiting, StateRunning,
		StatePlanned, StateGroupError, StateSuccess, StateError, StateCanceled,
	}
}

func (s TaskStateCode) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int16(s))
}

// ParseTaskStateCode resolves a state name as printed by String.
func ParseTaskStateCode(name string) (TaskStateCode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for code, n := range stateNames {
		if n == name {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown task state: %q", name)
}

// IsDone reports whether no further transition is expected.
func (s TaskStateCode) IsDone() bool {
	return !contains(NotDoneStates(), s)
}

// NotDoneStates are the states with outstanding work. Cancellation requests
// target these.
func NotDoneStates() []TaskStateCode {
	return []TaskStateCode{
		StateBlocked, StateReady, StateRetryWaiting, StateGroupRetryWaiting, StateRunning, StatePlanned,
	}
}

// ProgressingStates are the states that are neither blocked nor finished.
func ProgressingStates() []TaskStateCode {
	return []TaskStateCode{
		StateReady, StateRetryWaiting, StateGroupRetryWaiting, StateRunning, StatePlanned,
	}
}

// CanRunDownstreamStates are the upstream states that let a downstream task
// leave BLOCKED.
func CanRunDownstreamStates() []TaskStateCode {
	return []TaskStateCode{StateSuccess, StatePlanned}
}

// CanRunChildrenStates are the parent states under which children may be
// promoted.
func CanRunChildrenStates() []TaskStateCode {
	return []TaskStateCode{StateRunning, StatePlanned}
}

func contains(set []TaskStateCode, s TaskStateCode) bool {
	for _, e := range set {
		if e == s {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned when a CAS write names a transition the
// state machine does not allow.
var ErrIllegalTransition = errors.New("illegal task state transition")

var transitions = map[TaskStateCode][]TaskStateCode{
	StateBlocked:           {StateReady, StatePlanned, StateCanceled},
	StateReady:             {StateRunning, StateCanceled},
	StateRunning:           {StateSuccess, StateError, StatePlanned, StateRetryWaiting, StateCanceled},
	StateRetryWaiting:      {StateReady, StateCanceled},
	StateGroupRetryWaiting: {StateReady, StateCanceled},
	StatePlanned:           {StateSuccess, StateGroupError, StateGroupRetryWaiting, StateCanceled},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to TaskStateCode) bool {
	return contains(transitions[from], to)
}

// CheckTransition returns ErrIllegalTransition wrapped with the state names
// when from -> to is not allowed.
func CheckTransition(from, to TaskStateCode) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// TaskType distinguishes executable tasks from structural grouping nodes.
type TaskType int

const (
	TaskTypeNormal       TaskType = 0
	TaskTypeGroupingOnly TaskType = 1
)

func (t TaskType) IsGroupingOnly() bool { return t == TaskTypeGroupingOnly }

func (t TaskType) String() string {
	if t == TaskTypeGroupingOnly {
		return "grouping_only"
	}
	return "normal"
}

// TaskStateFlags is a bitset of out-of-band markers on a task.
type TaskStateFlags int

// CancelRequested is set by RequestCancelSession and never cleared.
const CancelRequested TaskStateFlags = 1

func (f TaskStateFlags) IsCancelRequested() bool { return f&CancelRequested != 0 }

// With returns f with bits added. Flags are only ever added.
func (f TaskStateFlags) With(bits TaskStateFlags) TaskStateFlags { return f | bits }
