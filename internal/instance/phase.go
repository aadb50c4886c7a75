package instance

import (
	"errors"
	"fmt"
)

// Phase is the workflow position of an instance.
type Phase int32

const (
	Initializing Phase = iota
	Registering
	Registered
	ResettingForRetry
	RestartingApp
	PostTutorial
	RareOutcomeFound
	RareOutcomeRejected
	WorkflowComplete
	Broken
)

var phaseNames = [...]string{
	Initializing:        "Initializing",
	Registering:         "Registering",
	Registered:          "Registered",
	ResettingForRetry:   "ResettingForRetry",
	RestartingApp:       "RestartingApp",
	PostTutorial:        "PostTutorial",
	RareOutcomeFound:    "RareOutcomeFound",
	RareOutcomeRejected: "RareOutcomeRejected",
	WorkflowComplete:    "WorkflowComplete",
	Broken:              "Broken",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
	return phaseNames[p]
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool { return p == Broken }

// ErrInvalidTransition is returned for a move the workflow does not allow.
var ErrInvalidTransition = errors.New("invalid phase transition")

// transitions lists the moves out of each phase besides the recovery moves
// to RestartingApp and Broken, which every non-terminal phase allows.
var transitions = map[Phase][]Phase{
	Initializing:        {Registering},
	Registering:         {Registered, ResettingForRetry},
	Registered:          {PostTutorial, RareOutcomeFound},
	PostTutorial:        {RareOutcomeFound, RareOutcomeRejected, WorkflowComplete},
	RareOutcomeRejected: {RareOutcomeFound, ResettingForRetry},
	RareOutcomeFound:    {ResettingForRetry},
	WorkflowComplete:    {Initializing},
	RestartingApp:       {Registering},
	ResettingForRetry:   {Registering},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == RestartingApp || to == Broken {
		return true
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
