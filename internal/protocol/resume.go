package protocol

import "encoding/json"

// ResumeFilePath is where the resume payload is written inside the sprite's
// workspace before its entrypoint is re-exec'd.
const ResumeFilePath = "/workspace/.lattice/resume.json"

// ResumePayload is the contract written to ResumeFilePath. Sprites must
// treat resume as idempotent: the same (CheckpointID, Inputs) pair re-exec'd
// twice must be a no-op the second time.
type ResumePayload struct {
	WorkItemID   string                 `json:"work_item_id"`
	CheckpointID string                 `json:"checkpoint_id"`
	Inputs       map[string]interface{} `json:"inputs,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// MarshalResume renders payload to the exact bytes written at ResumeFilePath.
func MarshalResume(payload ResumePayload) ([]byte, error) {
	return json.MarshalIndent(payload, "", "  ")
}

// SameResumeTarget reports whether two resume payloads describe the same
// idempotence key, per the protocol's (checkpoint_id, inputs) contract.
func SameResumeTarget(a, b ResumePayload) bool {
	if a.CheckpointID != b.CheckpointID {
		return false
	}
	ab, err1 := json.Marshal(a.Inputs)
	bb, err2 := json.Marshal(b.Inputs)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
