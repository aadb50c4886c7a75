package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "RareOutcomeFound", RareOutcomeFound.String())
	assert.Equal(t, "Broken", Broken.String())
	assert.Equal(t, "Phase(42)", Phase(42).String())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{Initializing, Registering, true},
		{Initializing, PostTutorial, false},
		{Registering, Registered, true},
		{Registering, ResettingForRetry, true},
		{Registered, PostTutorial, true},
		{Registered, RareOutcomeFound, true},
		{PostTutorial, WorkflowComplete, true},
		{PostTutorial, RareOutcomeRejected, true},
		{RareOutcomeRejected, RareOutcomeFound, true},
		{RareOutcomeFound, RareOutcomeRejected, false},
		{WorkflowComplete, Initializing, true},
		{WorkflowComplete, Registering, false},
		{RestartingApp, Registering, true},
		{ResettingForRetry, Registering, true},
		{PostTutorial, RestartingApp, true},
		{RareOutcomeFound, Broken, true},
		{Broken, RestartingApp, false},
		{Broken, Initializing, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransition_RecoveryFromEveryLivePhase(t *testing.T) {
	for p := Initializing; p <= Broken; p++ {
		assert.Equal(t, !p.Terminal(), CanTransition(p, RestartingApp), p.String())
	}
}
