package intent

import "github.com/lattice-run/lattice/pkg/models"

// successors is the intent state machine, represented as data per the
// "state machine as data" pattern: a table of state -> legal next states.
// Terminal states map to an empty (nil) successor set. This is the only
// place the state machine's edges are defined; transition validation is a
// pure lookup against this table.
var successors = map[models.IntentState][]models.IntentState{
	models.IntentProposed:         {models.IntentClassified},
	models.IntentClassified:       {models.IntentAwaitingApproval, models.IntentApproved, models.IntentRejected},
	models.IntentAwaitingApproval: {models.IntentApproved, models.IntentRejected, models.IntentCanceled},
	models.IntentApproved:         {models.IntentRunning, models.IntentCanceled},
	models.IntentRunning:          {models.IntentCompleted, models.IntentFailed, models.IntentBlocked, models.IntentWaitingForInput},
	models.IntentBlocked:          {models.IntentApproved, models.IntentCanceled, models.IntentFailed},
	models.IntentWaitingForInput:  {models.IntentRunning, models.IntentCanceled, models.IntentFailed},
	models.IntentCompleted:        nil,
	models.IntentFailed:           nil,
	models.IntentRejected:         nil,
	models.IntentCanceled:         nil,
}

// Successors returns the legal next states for from. A nil/empty result
// means from is terminal.
func Successors(from models.IntentState) []models.IntentState {
	return successors[from]
}

// CanTransition reports whether (from, to) is a legal edge in the state
// machine.
func CanTransition(from, to models.IntentState) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether state has no outgoing edges.
func IsTerminal(state models.IntentState) bool {
	return len(successors[state]) == 0
}
