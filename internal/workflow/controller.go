package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/policy-assistant/internal/backend"
	"github.com/ashureev/policy-assistant/internal/domain"
)

// DefaultReadyDelay is the pause between a provisioned agent and the chat phase.
const DefaultReadyDelay = time.Second

// Backend is the subset of the remote client the workflow drives.
type Backend interface {
	StoreEncoded(ctx context.Context, doc backend.EncodedDocument) (string, error)
	ProvisionAgent(ctx context.Context, spec backend.AgentSpec) (string, error)
	DeleteResource(ctx context.Context, objectID string) error
	FetchRawData(ctx context.Context, objectID string) (json.RawMessage, error)
}

// Conversation is started when the agent becomes ready and reset on delete.
type Conversation interface {
	Start(agentID, greeting string)
	Reset()
}

// Options configures a Controller.
type Options struct {
	// ReadyDelay defaults to DefaultReadyDelay. Negative disables the pause.
	ReadyDelay time.Duration
	Logger     *slog.Logger
}

// Controller owns the single session and performs the effects of each transition.
type Controller struct {
	mu         sync.Mutex
	session    domain.Session
	backend    Backend
	conv       Conversation
	readyDelay time.Duration
	onChange   func(domain.Session)
	logger     *slog.Logger
}

// NewController creates a controller in the idle phase.
func NewController(b Backend, conv Conversation, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := opts.ReadyDelay
	if delay == 0 {
		delay = DefaultReadyDelay
	}
	if delay < 0 {
		delay = 0
	}
	return &Controller{
		session:    domain.Session{Phase: domain.PhaseIdle},
		backend:    b,
		conv:       conv,
		readyDelay: delay,
		logger:     logger,
	}
}

// OnChange registers a callback invoked with every new session value.
// fn runs outside the controller lock and must not block.
func (c *Controller) OnChange(fn func(domain.Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Session returns the current session value.
func (c *Controller) Session() domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// StartUpload runs the whole upload workflow and blocks until it settles.
// Validation and busy errors return before any remote call. A step failure
// leaves the session idle and is returned. ErrStaleGeneration is returned
// when the workflow was cancelled or deleted while in flight.
func (c *Controller) StartUpload(ctx context.Context, doc backend.Document) error {
	effects, err := c.dispatch(UploadRequested{Document: doc})
	if err != nil {
		return err
	}
	return c.run(ctx, effects)
}

// BeginUpload accepts doc like StartUpload but runs the workflow in the
// background. The returned channel yields the workflow outcome.
func (c *Controller) BeginUpload(ctx context.Context, doc backend.Document) (<-chan error, error) {
	effects, err := c.dispatch(UploadRequested{Document: doc})
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- c.run(ctx, effects)
	}()
	return done, nil
}

// Cancel abandons the in-flight workflow. Results still pending are discarded.
func (c *Controller) Cancel() error {
	_, err := c.dispatch(CancelRequested{})
	if err == nil {
		c.logger.Info("Upload cancelled")
	}
	return err
}

// Delete removes the stored document and clears the session and conversation.
// A failed remote delete is logged and otherwise ignored.
func (c *Controller) Delete(ctx context.Context) error {
	effects, err := c.dispatch(DeleteRequested{})
	if err != nil {
		return err
	}
	return c.run(ctx, effects)
}

// FetchRawStoredData returns the backend's raw payload for the stored document.
func (c *Controller) FetchRawStoredData(ctx context.Context) (json.RawMessage, error) {
	objectID := c.Session().StoredObjectID
	if objectID == "" {
		return nil, ErrNoStoredObject
	}
	return c.backend.FetchRawData(ctx, objectID)
}

// dispatch applies ev and returns the remote effects still to perform.
// Conversation effects run under the lock so they cannot interleave with a
// concurrent delete.
func (c *Controller) dispatch(ev Event) ([]Effect, error) {
	c.mu.Lock()
	prev := c.session
	next, effects, err := Transition(prev, ev)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.session = next

	remote := effects[:0:0]
	for _, eff := range effects {
		switch eff := eff.(type) {
		case StartConversation:
			c.conv.Start(eff.AgentID, Greeting)
		case ResetConversation:
			c.conv.Reset()
		default:
			remote = append(remote, eff)
		}
	}
	notify := c.onChange
	c.mu.Unlock()

	if prev.Phase != next.Phase {
		c.logger.Info("Session phase changed", "from", prev.Phase, "to", next.Phase, "generation", next.Generation)
	}
	if notify != nil {
		notify(next)
	}
	return remote, nil
}

// run performs effects and feeds their results back until the workflow settles.
func (c *Controller) run(ctx context.Context, effects []Effect) error {
	var failure error
	for len(effects) > 0 {
		eff := effects[0]
		effects = effects[1:]

		ev := c.perform(ctx, eff)
		if ev == nil {
			continue
		}
		more, err := c.dispatch(ev)
		if errors.Is(err, ErrStaleGeneration) {
			c.logger.Info("Discarding result of abandoned workflow", "effect", effectName(eff))
			return ErrStaleGeneration
		}
		if err != nil {
			return err
		}
		if failed, ok := ev.(StepFailed); ok {
			failure = failed.Err
		}
		effects = append(effects, more...)
	}
	return failure
}

func (c *Controller) perform(ctx context.Context, eff Effect) Event {
	switch eff := eff.(type) {
	case EncodeDocument:
		enc, err := backend.Encode(eff.Document)
		if err != nil {
			return StepFailed{Token: eff.Token, Err: err}
		}
		return DocumentEncoded{Token: eff.Token, Encoded: enc}

	case StoreDocument:
		objectID, err := c.backend.StoreEncoded(ctx, eff.Encoded)
		if err != nil {
			c.logger.Error("Failed to store document", "error", err)
			return StepFailed{Token: eff.Token, Err: err}
		}
		return DocumentStored{Token: eff.Token, ObjectID: objectID}

	case ProvisionAgent:
		agentID, err := c.backend.ProvisionAgent(ctx, backend.AgentSpec{
			Instructions: AgentInstructions,
			Name:         AgentName,
			ObjectName:   eff.ObjectID,
		})
		if err != nil {
			c.logger.Error("Failed to provision agent", "object_id", eff.ObjectID, "error", err)
			return StepFailed{Token: eff.Token, Err: err}
		}
		return AgentProvisioned{Token: eff.Token, AgentID: agentID}

	case WaitDisplayDelay:
		if c.readyDelay > 0 {
			timer := time.NewTimer(c.readyDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return StepFailed{Token: eff.Token, Err: ctx.Err()}
			}
		}
		return DisplayDelayElapsed{Token: eff.Token}

	case DeleteResource:
		if err := c.backend.DeleteResource(ctx, eff.ObjectID); err != nil {
			c.logger.Warn("Failed to delete stored document", "object_id", eff.ObjectID, "error", err)
		}
		return nil
	}
	c.logger.Warn("Ignoring unknown effect", "effect", effectName(eff))
	return nil
}

func effectName(eff Effect) string {
	switch eff.(type) {
	case EncodeDocument:
		return "encode_document"
	case StoreDocument:
		return "store_document"
	case ProvisionAgent:
		return "provision_agent"
	case WaitDisplayDelay:
		return "wait_display_delay"
	case DeleteResource:
		return "delete_resource"
	default:
		return "unknown"
	}
}
