// Package workflow drives a session from document upload to a ready chat agent.
//
// State changes are pure: Transition takes the current Session and an Event
// and returns the next Session plus the Effects to perform. The Controller
// performs the effects and feeds their results back as new events.
package workflow

import (
	"errors"
	"fmt"

	"github.com/ashureev/policy-assistant/internal/backend"
	"github.com/ashureev/policy-assistant/internal/domain"
)

var (
	// ErrBusy is returned when an upload is requested outside the idle phase.
	ErrBusy = errors.New("an upload is already in progress")
	// ErrStaleGeneration marks a result issued before a cancel or delete.
	ErrStaleGeneration = errors.New("stale generation")
	// ErrInvalidTransition is returned for events the current phase does not accept.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNoStoredObject is returned when an operation needs a stored document.
	ErrNoStoredObject = errors.New("no stored object")
)

// Event is an input to the state machine.
type Event interface{ isEvent() }

// UploadRequested starts a new upload workflow.
type UploadRequested struct{ Document backend.Document }

// DocumentEncoded reports the document is in transport form.
type DocumentEncoded struct {
	Token   uint64
	Encoded backend.EncodedDocument
}

// DocumentStored reports the remote object was created.
type DocumentStored struct {
	Token    uint64
	ObjectID string
}

// AgentProvisioned reports the agent was created.
type AgentProvisioned struct {
	Token   uint64
	AgentID string
}

// DisplayDelayElapsed ends the cosmetic pause before the chat phase.
type DisplayDelayElapsed struct{ Token uint64 }

// StepFailed reports that a workflow step failed.
type StepFailed struct {
	Token uint64
	Err   error
}

// CancelRequested aborts an in-flight upload workflow.
type CancelRequested struct{}

// DeleteRequested removes the stored document and ends the session.
type DeleteRequested struct{}

func (UploadRequested) isEvent()     {}
func (DocumentEncoded) isEvent()     {}
func (DocumentStored) isEvent()      {}
func (AgentProvisioned) isEvent()    {}
func (DisplayDelayElapsed) isEvent() {}
func (StepFailed) isEvent()          {}
func (CancelRequested) isEvent()     {}
func (DeleteRequested) isEvent()     {}

// Effect is work the controller performs after a transition.
type Effect interface{ isEffect() }

// EncodeDocument converts the upload to its transport form.
type EncodeDocument struct {
	Token    uint64
	Document backend.Document
}

// StoreDocument uploads the encoded document.
type StoreDocument struct {
	Token   uint64
	Encoded backend.EncodedDocument
}

// ProvisionAgent creates the agent for the stored object.
type ProvisionAgent struct {
	Token    uint64
	ObjectID string
}

// WaitDisplayDelay pauses before entering the chat phase.
type WaitDisplayDelay struct{ Token uint64 }

// StartConversation seeds the conversation for a ready agent.
type StartConversation struct{ AgentID string }

// ResetConversation clears the conversation history.
type ResetConversation struct{}

// DeleteResource removes a stored object, best effort.
type DeleteResource struct{ ObjectID string }

func (EncodeDocument) isEffect()    {}
func (StoreDocument) isEffect()     {}
func (ProvisionAgent) isEffect()    {}
func (WaitDisplayDelay) isEffect()  {}
func (StartConversation) isEffect() {}
func (ResetConversation) isEffect() {}
func (DeleteResource) isEffect()    {}

// Transition computes the next session for ev. On error s is returned
// unchanged and no effects are produced.
//
//nolint:gocyclo // One case per event keeps the state table readable.
func Transition(s domain.Session, ev Event) (domain.Session, []Effect, error) {
	switch ev := ev.(type) {
	case UploadRequested:
		if s.Phase != domain.PhaseIdle {
			return s, nil, ErrBusy
		}
		if err := backend.ValidateDocument(ev.Document); err != nil {
			return s, nil, err
		}
		next := domain.Session{
			Phase:      domain.PhaseUploading,
			Progress:   progressAccepted,
			StatusText: statusUploading,
			Generation: s.Generation,
		}
		return next, []Effect{EncodeDocument{Token: next.Generation, Document: ev.Document}}, nil

	case DocumentEncoded:
		if err := expect(s, ev.Token, domain.PhaseUploading); err != nil {
			return s, nil, err
		}
		next := s
		next.Progress = progressEncoded
		next.StatusText = statusProcessing
		return next, []Effect{StoreDocument{Token: ev.Token, Encoded: ev.Encoded}}, nil

	case DocumentStored:
		if err := expect(s, ev.Token, domain.PhaseUploading); err != nil {
			return s, nil, err
		}
		next := s
		next.Phase = domain.PhaseProvisioning
		next.StoredObjectID = ev.ObjectID
		next.Progress = progressStored
		next.StatusText = statusProvisioning
		return next, []Effect{ProvisionAgent{Token: ev.Token, ObjectID: ev.ObjectID}}, nil

	case AgentProvisioned:
		if err := expect(s, ev.Token, domain.PhaseProvisioning); err != nil {
			return s, nil, err
		}
		next := s
		next.AgentID = ev.AgentID
		next.Progress = progressProvisioned
		next.StatusText = statusComplete
		return next, []Effect{WaitDisplayDelay{Token: ev.Token}}, nil

	case DisplayDelayElapsed:
		if err := expect(s, ev.Token, domain.PhaseProvisioning); err != nil {
			return s, nil, err
		}
		if s.AgentID == "" {
			return s, nil, fmt.Errorf("%w: no agent to activate", ErrInvalidTransition)
		}
		next := s
		next.Phase = domain.PhaseReady
		return next, []Effect{StartConversation{AgentID: s.AgentID}}, nil

	case StepFailed:
		if ev.Token != s.Generation {
			return s, nil, ErrStaleGeneration
		}
		if !s.Phase.InFlight() {
			return s, nil, fmt.Errorf("%w: failure reported in phase %s", ErrInvalidTransition, s.Phase)
		}
		// The stored object id survives so a leftover object can still be deleted.
		next := domain.Session{
			Phase:          domain.PhaseIdle,
			StoredObjectID: s.StoredObjectID,
			Progress:       0,
			StatusText:     statusFailed,
			Generation:     s.Generation,
		}
		return next, nil, nil

	case CancelRequested:
		if !s.Phase.InFlight() {
			return s, nil, fmt.Errorf("%w: nothing to cancel in phase %s", ErrInvalidTransition, s.Phase)
		}
		next := domain.Session{
			Phase:          domain.PhaseIdle,
			StoredObjectID: s.StoredObjectID,
			Generation:     s.Generation + 1,
		}
		return next, nil, nil

	case DeleteRequested:
		if s.Phase.InFlight() {
			return s, nil, fmt.Errorf("%w: cannot delete while %s", ErrInvalidTransition, s.Phase)
		}
		if s.Phase == domain.PhaseIdle && !s.HasStoredObject() {
			return s, nil, ErrNoStoredObject
		}
		next := domain.Session{
			Phase:      domain.PhaseIdle,
			Generation: s.Generation + 1,
		}
		effects := []Effect{ResetConversation{}}
		if s.HasStoredObject() {
			effects = append(effects, DeleteResource{ObjectID: s.StoredObjectID})
		}
		return next, effects, nil
	}
	return s, nil, fmt.Errorf("%w: unknown event %T", ErrInvalidTransition, ev)
}

func expect(s domain.Session, token uint64, phase domain.Phase) error {
	if token != s.Generation {
		return ErrStaleGeneration
	}
	if s.Phase != phase {
		return fmt.Errorf("%w: expected phase %s, got %s", ErrInvalidTransition, phase, s.Phase)
	}
	return nil
}
