// Package conversation implements the per-person message log consumed by LLM
// node handlers, including the forgetting strategies applied at the start of
// each turn.
package conversation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dipeo/dipeo/pkg/models"
)

// DefaultMaxMessages caps a person's history; oldest messages are evicted
// beyond it.
const DefaultMaxMessages = 100

// Persister receives every appended message for durable storage. Optional;
// wired to the state registry's message table.
type Persister interface {
	SaveMessage(msg models.Message) error
}

// Filter narrows History results.
type Filter struct {
	ExecutionID models.ExecutionID
	Since       time.Time
	Limit       int
}

// personLog is one person's ordered message history. Each log has its own
// mutex; cross-person reads never contend.
type personLog struct {
	mu   sync.Mutex
	msgs []models.Message
}

// Store is the conversation store: an ordered message log per person.
type Store struct {
	mu      sync.RWMutex
	persons map[models.PersonID]*personLog

	maxMessages int
	persist     Persister
}

// Option configures a Store.
type Option func(*Store)

// WithMaxMessages overrides the per-person history cap.
func WithMaxMessages(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// WithPersister writes every appended message through to durable storage.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// NewStore creates an empty conversation store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		persons:     make(map[models.PersonID]*personLog),
		maxMessages: DefaultMaxMessages,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) log(person models.PersonID) *personLog {
	s.mu.RLock()
	l, ok := s.persons[person]
	s.mu.RUnlock()
	if ok {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.persons[person]; ok {
		return l
	}
	l = &personLog{}
	s.persons[person] = l
	return l
}

// Append adds a message to the person's log and returns it. Oldest messages
// are evicted past the per-person cap (system messages are kept as long as
// possible).
func (s *Store) Append(person models.PersonID, execID models.ExecutionID, role models.MessageRole, content, from string, nodeID *models.NodeID, usage *models.TokenUsage) models.Message {
	msg := models.Message{
		ID:          models.NewMessageID(),
		From:        from,
		To:          &person,
		Role:        role,
		Content:     content,
		Timestamp:   time.Now().UTC(),
		ExecutionID: execID,
		NodeID:      nodeID,
		TokenUsage:  usage,
	}

	l := s.log(person)
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	if len(l.msgs) > s.maxMessages {
		l.msgs = evictOldest(l.msgs, s.maxMessages)
	}
	l.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveMessage(msg); err != nil {
			slog.Warn("Failed to persist conversation message",
				"person_id", person, "execution_id", execID, "error", err)
		}
	}
	return msg
}

// evictOldest trims msgs to max entries, preferring to evict non-system
// messages first.
func evictOldest(msgs []models.Message, max int) []models.Message {
	excess := len(msgs) - max
	out := msgs[:0:0]
	for _, m := range msgs {
		if excess > 0 && m.Role != models.RoleSystem {
			excess--
			continue
		}
		out = append(out, m)
	}
	// All remaining were system messages; trim from the front as a last
	// resort.
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// History returns the person's messages in timestamp order, filtered.
func (s *Store) History(person models.PersonID, f Filter) []models.Message {
	l := s.log(person)
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Message, 0, len(l.msgs))
	for _, m := range l.msgs {
		if f.ExecutionID != "" && m.ExecutionID != f.ExecutionID {
			continue
		}
		if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Forget applies a forgetting mode to the person's log, optionally scoped to
// one execution. ForgetNone and ForgetUponRequest are no-ops here; the latter
// means the handler will call Forget(..., ForgetAll) explicitly.
func (s *Store) Forget(person models.PersonID, execID models.ExecutionID, mode models.ForgetMode) {
	switch mode {
	case models.ForgetNone, models.ForgetUponRequest:
		return
	}

	l := s.log(person)
	l.mu.Lock()
	defer l.mu.Unlock()

	inScope := func(m models.Message) bool {
		return execID == "" || m.ExecutionID == execID
	}

	kept := l.msgs[:0:0]
	switch mode {
	case models.ForgetAll:
		for _, m := range l.msgs {
			if m.Role == models.RoleSystem || !inScope(m) {
				kept = append(kept, m)
			}
		}
	case models.ForgetOwn:
		for _, m := range l.msgs {
			if m.From == string(person) && inScope(m) {
				continue
			}
			kept = append(kept, m)
		}
	case models.ForgetOnEveryTurn:
		// Keep system messages plus only the last user message in scope.
		lastUser := -1
		for i, m := range l.msgs {
			if m.Role == models.RoleUser && inScope(m) {
				lastUser = i
			}
		}
		for i, m := range l.msgs {
			if m.Role == models.RoleSystem || !inScope(m) || i == lastUser {
				kept = append(kept, m)
			}
		}
	default:
		kept = l.msgs
	}
	l.msgs = kept
}

// PromptView assembles the person's history for prompt construction under a
// forgetting mode. For on_every_turn the result is: system messages, a single
// consolidated block holding the most recent assistant message from each
// other person (labelled "[<label>]: ..."), then the last user message. Other
// modes return the post-Forget history unchanged.
func (s *Store) PromptView(person models.PersonID, execID models.ExecutionID, mode models.ForgetMode, label func(models.PersonID) string) []models.Message {
	if mode != models.ForgetOnEveryTurn {
		return s.History(person, Filter{ExecutionID: execID})
	}

	history := s.History(person, Filter{ExecutionID: execID})

	var system []models.Message
	var lastUser *models.Message
	latestByOther := make(map[models.PersonID]models.Message)
	var otherOrder []models.PersonID

	for _, m := range history {
		switch {
		case m.Role == models.RoleSystem:
			system = append(system, m)
		case m.Role == models.RoleUser:
			u := m
			lastUser = &u
		case m.Role == models.RoleAssistant && m.From != string(person):
			other := models.PersonID(m.From)
			if _, seen := latestByOther[other]; !seen {
				otherOrder = append(otherOrder, other)
			}
			latestByOther[other] = m
		}
	}

	out := append([]models.Message(nil), system...)
	if len(latestByOther) > 0 {
		block := ""
		for _, other := range otherOrder {
			m := latestByOther[other]
			name := string(other)
			if label != nil {
				if l := label(other); l != "" {
					name = l
				}
			}
			if block != "" {
				block += "\n"
			}
			block += fmt.Sprintf("[%s]: %s", name, m.Content)
		}
		out = append(out, models.Message{
			ID:          models.NewMessageID(),
			From:        models.SenderSystem,
			Role:        models.RoleSystem,
			Content:     block,
			Timestamp:   time.Now().UTC(),
			ExecutionID: execID,
		})
	}
	if lastUser != nil {
		out = append(out, *lastUser)
	}
	return out
}

// SaveConversationLog writes all messages of one execution, across persons,
// to a timestamped log file under dir and returns its path.
func (s *Store) SaveConversationLog(execID models.ExecutionID, dir string) (string, error) {
	s.mu.RLock()
	persons := make([]models.PersonID, 0, len(s.persons))
	for p := range s.persons {
		persons = append(persons, p)
	}
	s.mu.RUnlock()
	sort.Slice(persons, func(i, j int) bool { return persons[i] < persons[j] })

	var all []models.Message
	for _, p := range persons {
		all = append(all, s.History(p, Filter{ExecutionID: execID})...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("conversation_%s.log", execID))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation log: %w", err)
	}
	defer f.Close()

	for _, m := range all {
		to := ""
		if m.To != nil {
			to = " -> " + string(*m.To)
		}
		line := fmt.Sprintf("[%s] %s%s (%s): %s\n",
			m.Timestamp.Format(time.RFC3339), m.From, to, m.Role, m.Content)
		if _, err := f.WriteString(line); err != nil {
			return "", fmt.Errorf("failed to write conversation log: %w", err)
		}
	}
	return path, nil
}
