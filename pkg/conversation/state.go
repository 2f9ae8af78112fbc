package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionState is the serializable form of a Session.
type SessionState struct {
	ID           string `json:"id" yaml:"id"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	WordBudget   int    `json:"word_budget" yaml:"word_budget"`
	Format       string `json:"format" yaml:"format"`
	// Template, ReplyCue and ReplyDelimiter describe a template format.
	Template       string    `json:"template,omitempty" yaml:"template,omitempty"`
	ReplyCue       string    `json:"reply_cue,omitempty" yaml:"reply_cue,omitempty"`
	ReplyDelimiter string    `json:"reply_delimiter,omitempty" yaml:"reply_delimiter,omitempty"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
	Turns          []Turn    `json:"turns" yaml:"turns"`
}

func (s *Session) Snapshot() SessionState {
	state := SessionState{
		ID:           s.id,
		SystemPrompt: s.systemPrompt,
		WordBudget:   s.wordBudget,
		Format:       s.format.Name(),
		CreatedAt:    s.createdAt,
		Turns:        s.Turns(),
	}
	if tf, ok := s.format.(*TemplateFormat); ok {
		state.Template = tf.Template()
		state.ReplyCue = tf.ReplyCue()
		state.ReplyDelimiter = tf.ReplyDelimiter()
	}
	return state
}

// formatOf rebuilds the format a state was saved with.
func formatOf(state SessionState) (Format, error) {
	if state.Template != "" {
		return NewTemplateFormat(state.Format, state.Template, state.ReplyCue, state.ReplyDelimiter)
	}
	return FormatByName(state.Format)
}

// Restore rebuilds a session from its state. Options may override the saved
// format.
func Restore(state SessionState, options ...Option) (*Session, error) {
	s := &Session{
		id:           state.ID,
		systemPrompt: state.SystemPrompt,
		wordBudget:   state.WordBudget,
		createdAt:    state.CreatedAt,
		turns:        append([]Turn(nil), state.Turns...),
	}
	for _, o := range options {
		o(s)
	}
	if s.format == nil {
		f, err := formatOf(state)
		if err != nil {
			return nil, err
		}
		s.format = f
	}
	if s.id == "" {
		return nil, fmt.Errorf("session state has no id")
	}
	if s.createdAt.IsZero() {
		s.createdAt = time.Now()
	}
	return s, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// SaveToFile writes the session as YAML for .yaml/.yml paths and as indented
// JSON otherwise.
func (s *Session) SaveToFile(path string) error {
	state := s.Snapshot()

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(state)
	} else {
		data, err = json.MarshalIndent(state, "", "  ")
	}
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func LoadFromFile(path string, options ...Option) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	state := SessionState{}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &state)
	} else {
		err = json.Unmarshal(data, &state)
	}
	if err != nil {
		return nil, fmt.Errorf("could not decode session file %s: %w", path, err)
	}
	return Restore(state, options...)
}
