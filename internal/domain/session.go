// Package domain contains core domain types for the policy assistant.
package domain

// Phase is the workflow controller's current state.
type Phase string

const (
	// PhaseIdle is the initial state; no upload is in flight.
	PhaseIdle Phase = "idle"
	// PhaseUploading means the document is being encoded and stored.
	PhaseUploading Phase = "uploading"
	// PhaseProvisioning means the document is stored and the agent is being created.
	PhaseProvisioning Phase = "provisioning"
	// PhaseReady means the agent exists and chat is available.
	PhaseReady Phase = "ready"
)

// InFlight reports whether an upload workflow is outstanding in this phase.
func (p Phase) InFlight() bool {
	return p == PhaseUploading || p == PhaseProvisioning
}

// Session is the single active workflow instance.
// It is a value type; the controller replaces it wholesale on every transition.
type Session struct {
	Phase          Phase  `json:"phase"`
	StoredObjectID string `json:"stored_object_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	Progress       int    `json:"progress"`
	StatusText     string `json:"status_text"`
	// Generation is incremented on cancel and delete. Results produced by
	// calls issued under an older generation are discarded.
	Generation uint64 `json:"generation"`
}

// HasStoredObject returns true if a document is known to exist remotely.
func (s Session) HasStoredObject() bool {
	return s.StoredObjectID != ""
}
