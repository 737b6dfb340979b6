// Package conversation holds the chat history with the provisioned agent.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/policy-assistant/internal/backend"
	"github.com/ashureev/policy-assistant/internal/domain"
)

// ApologyText replaces the reply when a query fails.
const ApologyText = "Sorry, I encountered an error. Please try asking your question again."

var (
	// ErrAwaitingReply is returned when a query is already in flight.
	ErrAwaitingReply = errors.New("a reply is already pending")
	// ErrNoAgent is returned before an agent has been provisioned.
	ErrNoAgent = errors.New("no agent provisioned")
	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage error = &backend.ValidationError{Field: "message", Reason: "message is empty"}
)

// Querier sends one chat turn to the agent.
type Querier interface {
	SendQuery(ctx context.Context, agentID, text string) (string, error)
}

// Manager owns the ordered message history and allows one query in flight.
type Manager struct {
	mu            sync.Mutex
	querier       Querier
	messages      []domain.Message
	agentID       string
	awaitingReply bool
	// generation changes on Start and Reset so a late reply can be dropped.
	generation uint64
	onChange   func()
	now        func() time.Time
	logger     *slog.Logger
}

// NewManager creates an empty conversation.
func NewManager(querier Querier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		querier: querier,
		now:     time.Now,
		logger:  logger,
	}
}

// OnChange registers a callback invoked after the history or pending flag changes.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start binds the conversation to agentID and seeds it with one assistant greeting.
func (m *Manager) Start(agentID, greeting string) {
	m.mu.Lock()
	m.generation++
	m.agentID = agentID
	m.awaitingReply = false
	m.messages = nil
	if greeting != "" {
		m.messages = append(m.messages, m.message(domain.RoleAssistant, greeting))
	}
	notify := m.onChange
	m.mu.Unlock()

	m.logger.Info("Conversation started", "agent_id", agentID)
	if notify != nil {
		notify()
	}
}

// Reset clears the history and unbinds the agent.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.generation++
	m.agentID = ""
	m.awaitingReply = false
	m.messages = nil
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Submit sends text to the agent and appends the user turn and the reply.
// It is a no-op returning an error when text is blank, a reply is pending,
// or no agent is bound. A failed query is not an error: the reply becomes
// ApologyText.
func (m *Manager) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	if m.agentID == "" {
		m.mu.Unlock()
		return ErrNoAgent
	}
	if m.awaitingReply {
		m.mu.Unlock()
		return ErrAwaitingReply
	}
	m.messages = append(m.messages, m.message(domain.RoleUser, text))
	m.awaitingReply = true
	agentID := m.agentID
	gen := m.generation
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil {
		notify()
	}

	reply, err := m.querier.SendQuery(ctx, agentID, text)
	if err != nil {
		m.logger.Error("Chat query failed", "agent_id", agentID, "error", err)
		reply = ApologyText
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug("Discarding reply for reset conversation", "agent_id", agentID)
		return nil
	}
	m.messages = append(m.messages, m.message(domain.RoleAssistant, reply))
	m.awaitingReply = false
	notify = m.onChange
	m.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// Messages returns a copy of the history in order.
func (m *Manager) Messages() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// AwaitingReply reports whether a query is in flight.
func (m *Manager) AwaitingReply() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awaitingReply
}

// AgentID returns the bound agent, or "" when none.
func (m *Manager) AgentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentID
}

func (m *Manager) message(role domain.Role, text string) domain.Message {
	return domain.Message{Role: role, Text: text, CreatedAt: m.now().UTC()}
}
