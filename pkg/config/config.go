// Package config holds the settings of the servitor commands. Values come
// from viper (flags, SERVITOR_* environment variables, config file) and are
// decoded on top of Defaults.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-go-golems/servitor/pkg/conversation"
	"github.com/go-go-golems/servitor/pkg/features"
	"github.com/huandu/go-clone"
	"github.com/spf13/viper"
)

const DefaultSystemPrompt = `<s>[INST] <<SYS>>
You are a helpful, respectful and honest assistant.
Keep your answers short. If you don't know the answer to a question, say so instead of making one up.
<</SYS>>`

type ServerSettings struct {
	HTTPAddress     string        `mapstructure:"http-address" yaml:"http-address"`
	GRPCAddress     string        `mapstructure:"grpc-address" yaml:"grpc-address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" yaml:"shutdown-timeout"`
}

// TransformerSettings configure the molecule transformer: a feature codec in
// front of either a remote predictor or a local forest artifact.
type TransformerSettings struct {
	ModelName     string        `mapstructure:"model-name" yaml:"model-name"`
	Algorithm     string        `mapstructure:"algorithm" yaml:"algorithm"`
	NBits         int           `mapstructure:"n-bits" yaml:"n-bits"`
	Radius        int           `mapstructure:"radius" yaml:"radius"`
	PredictorHost string        `mapstructure:"predictor-host" yaml:"predictor-host"`
	ModelPath     string        `mapstructure:"model-path" yaml:"model-path"`
	Output        string        `mapstructure:"output" yaml:"output"`
	CacheSize     int           `mapstructure:"cache-size" yaml:"cache-size"`
	CachePath     string        `mapstructure:"cache-path" yaml:"cache-path"`
	Parallelism   int           `mapstructure:"parallelism" yaml:"parallelism"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

func (t *TransformerSettings) CodecConfig() features.Config {
	return features.Config{Algorithm: t.Algorithm, Bits: t.NBits, Radius: t.Radius}
}

type SessionSettings struct {
	SystemPrompt string `mapstructure:"system-prompt" yaml:"system-prompt"`
	WordBudget   int    `mapstructure:"word-budget" yaml:"word-budget"`
	Format       string `mapstructure:"format" yaml:"format"`
	// FormatTemplate, ReplyCue and ReplyDelimiter configure the template format.
	FormatTemplate string `mapstructure:"format-template" yaml:"format-template"`
	ReplyCue       string `mapstructure:"reply-cue" yaml:"reply-cue"`
	ReplyDelimiter string `mapstructure:"reply-delimiter" yaml:"reply-delimiter"`
	TopK           int    `mapstructure:"top-k" yaml:"top-k"`
	MaxLength      int    `mapstructure:"max-length" yaml:"max-length"`
}

// NewFormat builds the conversation format the settings name.
func (s *SessionSettings) NewFormat() (conversation.Format, error) {
	return conversation.NewFormat(s.Format, s.FormatTemplate, s.ReplyCue, s.ReplyDelimiter)
}

// Params are the generation parameters sent with every chat request.
func (s *SessionSettings) Params() map[string]any {
	return map[string]any{"top_k": s.TopK, "max_length": s.MaxLength}
}

// PredictorSettings configure a text generation endpoint.
type PredictorSettings struct {
	ModelName     string          `mapstructure:"model-name" yaml:"model-name"`
	Runtime       string          `mapstructure:"runtime" yaml:"runtime"`
	Model         string          `mapstructure:"model" yaml:"model"`
	OllamaHost    string          `mapstructure:"ollama-host" yaml:"ollama-host"`
	OpenAIBaseURL string          `mapstructure:"openai-base-url" yaml:"openai-base-url"`
	OpenAIAPIKey  string          `mapstructure:"openai-api-key" yaml:"openai-api-key"`
	QueueSize     int             `mapstructure:"queue-size" yaml:"queue-size"`
	Timeout       time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	SessionStore  string          `mapstructure:"session-store" yaml:"session-store"`
	SessionDB     string          `mapstructure:"session-db" yaml:"session-db"`
	Session       SessionSettings `mapstructure:"session" yaml:"session"`
}

// ChatSettings configure the terminal chat client.
type ChatSettings struct {
	ModelURL    string          `mapstructure:"model-url" yaml:"model-url"`
	HistoryFile string          `mapstructure:"history-file" yaml:"history-file"`
	Retries     int             `mapstructure:"retries" yaml:"retries"`
	Timeout     time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	Session     SessionSettings `mapstructure:"session" yaml:"session"`
}

type Settings struct {
	Server      ServerSettings      `mapstructure:"server" yaml:"server"`
	Transformer TransformerSettings `mapstructure:"transformer" yaml:"transformer"`
	Predictor   PredictorSettings   `mapstructure:"predictor" yaml:"predictor"`
	Chat        ChatSettings        `mapstructure:"chat" yaml:"chat"`
}

func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		SystemPrompt: DefaultSystemPrompt,
		WordBudget:   2500,
		Format:       "llama2",
		TopK:         5,
		MaxLength:    4000,
	}
}

func Defaults() *Settings {
	return &Settings{
		Server: ServerSettings{
			HTTPAddress:     ":8080",
			GRPCAddress:     ":8081",
			ShutdownTimeout: 10 * time.Second,
		},
		Transformer: TransformerSettings{
			ModelName:   "molecules",
			Algorithm:   "morgan",
			NBits:       1024,
			Radius:      1,
			Output:      "label",
			CacheSize:   1000,
			Parallelism: 1,
			Timeout:     30 * time.Second,
		},
		Predictor: PredictorSettings{
			ModelName:    "llama2",
			Runtime:      "ollama",
			Model:        "llama2",
			QueueSize:    16,
			Timeout:      5 * time.Minute,
			SessionStore: "memory",
			Session:      DefaultSessionSettings(),
		},
		Chat: ChatSettings{
			ModelURL: "http://localhost:8080/v1/models/llama2:predict",
			Timeout:  5 * time.Minute,
			Session:  DefaultSessionSettings(),
		},
	}
}

// Load decodes the viper configuration on top of Defaults and validates it.
func Load(v *viper.Viper) (*Settings, error) {
	s := Defaults()
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("could not decode configuration: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

func (s *Settings) Validate() error {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	t := s.Transformer
	if _, err := features.New(t.CodecConfig()); err != nil {
		add("transformer: %v", err)
	}
	if t.CacheSize < 0 {
		add("transformer.cache-size must not be negative")
	}
	if t.Parallelism < 1 {
		add("transformer.parallelism must be at least 1")
	}
	if t.Output != "label" && t.Output != "proba" {
		add("transformer.output must be label or proba, got %q", t.Output)
	}

	if t.PredictorHost != "" && t.ModelPath != "" {
		add("transformer: predictor-host and model-path are mutually exclusive")
	}

	p := s.Predictor
	if p.OpenAIBaseURL != "" {
		if err := validateURL(p.OpenAIBaseURL); err != nil {
			add("predictor.openai-base-url: %v", err)
		}
	}
	switch p.Runtime {
	case "ollama", "openai":
	default:
		add("predictor.runtime must be ollama or openai, got %q", p.Runtime)
	}
	if p.QueueSize < 0 {
		add("predictor.queue-size must not be negative")
	}
	switch p.SessionStore {
	case "memory":
	case "sqlite":
		if p.SessionDB == "" {
			add("predictor.session-db is required for the sqlite session store")
		}
	default:
		add("predictor.session-store must be memory or sqlite, got %q", p.SessionStore)
	}
	validateSession("predictor.session", p.Session, add)

	if err := validateURL(s.Chat.ModelURL); err != nil {
		add("chat.model-url: %v", err)
	}
	if s.Chat.Retries < 0 {
		add("chat.retries must not be negative")
	}
	validateSession("chat.session", s.Chat.Session, add)

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(prefix string, s SessionSettings, add func(string, ...interface{})) {
	if s.WordBudget < 1 {
		add("%s.word-budget must be at least 1", prefix)
	}
	if s.TopK < 1 {
		add("%s.top-k must be at least 1", prefix)
	}
	if s.MaxLength < 1 {
		add("%s.max-length must be at least 1", prefix)
	}
	switch s.Format {
	case "llama2", "role-tags":
	case conversation.TemplateFormatName:
		if s.ReplyDelimiter == "" {
			add("%s.reply-delimiter is required for the template format", prefix)
		}
		if _, err := s.NewFormat(); err != nil {
			add("%s.format-template: %v", prefix, err)
		}
	default:
		add("%s.format must be llama2, role-tags or template, got %q", prefix, s.Format)
	}
}

// validateURL accepts absolute http(s) URLs with a host.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
