// Package conversation keeps the multi-turn history of a chat with a text
// generation model.
//
// A Session is an ordered list of role-tagged turns plus a system prompt. Render
// turns it into the single prompt string the model consumes: every turn is
// formatted by the session's Format, the result is prefixed with the system
// prompt and then windowed to the most recent WordBudget words. ExtractReply
// does the reverse on the model output, keeping only the text after the last
// reply delimiter.
//
// Sessions are owned by a Store, keyed by session id.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultWordBudget is the number of words kept by Render.
const DefaultWordBudget = 2500

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role Role      `json:"role" yaml:"role"`
	Text string    `json:"text" yaml:"text"`
	Time time.Time `json:"time" yaml:"time"`
}

type Session struct {
	mu     sync.Mutex
	turnMu sync.Mutex

	id           string
	systemPrompt string
	wordBudget   int
	format       Format
	turns        []Turn
	createdAt    time.Time
}

type Option func(*Session)

func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(s *Session) {
		s.systemPrompt = prompt
	}
}

// WithWordBudget sets how many trailing words Render keeps. A budget of zero
// or less keeps everything.
func WithWordBudget(w int) Option {
	return func(s *Session) {
		s.wordBudget = w
	}
}

func WithFormat(f Format) Option {
	return func(s *Session) {
		if f != nil {
			s.format = f
		}
	}
}

func NewSession(options ...Option) *Session {
	s := &Session{
		wordBudget: DefaultWordBudget,
		format:     Llama2Format{},
		createdAt:  time.Now(),
	}
	for _, o := range options {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) SystemPrompt() string {
	return s.systemPrompt
}

func (s *Session) WordBudget() int {
	return s.wordBudget
}

func (s *Session) Format() Format {
	return s.format
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Append adds a turn and reports whether it did. Empty user text is ignored;
// whitespace-only text is a turn like any other. An empty assistant reply is
// kept so that turns keep alternating.
func (s *Session) Append(role Role, text string) bool {
	if role == RoleUser && text == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, Turn{Role: role, Text: text, Time: time.Now()})
	return true
}

// Turns returns a copy of the history.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]Turn, len(s.turns))
	copy(ret, s.turns)
	return ret
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Render returns the system prompt followed by every formatted turn and the
// format's reply cue, reduced to the last WordBudget whitespace-separated
// words joined by single spaces. The cut happens on word boundaries only, so
// it may fall inside a role marker.
func (s *Session) Render() string {
	s.mu.Lock()
	var sb strings.Builder
	sb.WriteString(s.systemPrompt)
	for _, t := range s.turns {
		sb.WriteString(s.format.RenderTurn(t))
	}
	if cue := s.format.ReplyCue(); cue != "" {
		sb.WriteString(" ")
		sb.WriteString(cue)
	}
	s.mu.Unlock()

	return LastNWords(sb.String(), s.wordBudget)
}

// ExtractReply keeps what follows the last reply delimiter of the session's
// format. Output without the delimiter is returned unchanged.
func (s *Session) ExtractReply(raw string) string {
	return extractReply(raw, s.format.ReplyDelimiter())
}

func extractReply(raw, delimiter string) string {
	if delimiter == "" {
		return raw
	}
	idx := strings.LastIndex(raw, delimiter)
	if idx < 0 {
		return raw
	}
	return raw[idx+len(delimiter):]
}

// TurnLock serializes whole turns (append, render, model call, append) on
// this session. Append and Render are safe on their own; the lock is for
// callers that need the sequence to be atomic.
func (s *Session) TurnLock() sync.Locker {
	return &s.turnMu
}
