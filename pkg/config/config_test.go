package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	s, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 1024, s.Transformer.NBits)
	assert.Equal(t, 1, s.Transformer.Radius)
	assert.Equal(t, 2500, s.Predictor.Session.WordBudget)
	assert.Equal(t, map[string]any{"top_k": 5, "max_length": 4000}, s.Chat.Session.Params())
}

func TestLoadFromYAML(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
server:
  http-address: ":9090"
transformer:
  algorithm: morgan-features
  n-bits: 2048
  radius: 2
  timeout: 5s
predictor:
  runtime: openai
  session-store: sqlite
  session-db: /tmp/sessions.db
  session:
    word-budget: 100
    top-k: 3
`)))

	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":9090", s.Server.HTTPAddress)
	assert.Equal(t, ":8081", s.Server.GRPCAddress)
	assert.Equal(t, "morgan-features", s.Transformer.CodecConfig().Algorithm)
	assert.Equal(t, 2048, s.Transformer.CodecConfig().Bits)
	assert.Equal(t, 2, s.Transformer.CodecConfig().Radius)
	assert.Equal(t, 5*time.Second, s.Transformer.Timeout)
	assert.Equal(t, "openai", s.Predictor.Runtime)
	assert.Equal(t, 100, s.Predictor.Session.WordBudget)
	assert.Equal(t, 3, s.Predictor.Session.TopK)
	assert.Equal(t, 4000, s.Predictor.Session.MaxLength)
	assert.Equal(t, DefaultSystemPrompt, s.Predictor.Session.SystemPrompt)
}

func TestViperOverrides(t *testing.T) {
	v := viper.New()
	v.Set("chat.session.word-budget", 10)
	v.Set("chat.retries", 2)
	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 10, s.Chat.Session.WordBudget)
	assert.Equal(t, 2, s.Chat.Retries)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(s *Settings){
		"zero bits":         func(s *Settings) { s.Transformer.NBits = 0 },
		"unknown algorithm": func(s *Settings) { s.Transformer.Algorithm = "maccs" },
		"bad output":        func(s *Settings) { s.Transformer.Output = "logits" },
		"no parallelism":    func(s *Settings) { s.Transformer.Parallelism = 0 },
		"unknown runtime":   func(s *Settings) { s.Predictor.Runtime = "torch" },
		"sqlite without db": func(s *Settings) { s.Predictor.SessionStore = "sqlite" },
		"unknown store":     func(s *Settings) { s.Predictor.SessionStore = "redis" },
		"zero word budget":  func(s *Settings) { s.Chat.Session.WordBudget = 0 },
		"zero top k":        func(s *Settings) { s.Predictor.Session.TopK = 0 },
		"unknown format":    func(s *Settings) { s.Chat.Session.Format = "chatml" },
		"negative retries":  func(s *Settings) { s.Chat.Retries = -1 },
		"negative cache":    func(s *Settings) { s.Transformer.CacheSize = -1 },
		"negative queue":    func(s *Settings) { s.Predictor.QueueSize = -1 },
		"zero max length":   func(s *Settings) { s.Chat.Session.MaxLength = 0 },
		"negative radius":   func(s *Settings) { s.Transformer.Radius = -1 },
		"model url scheme":  func(s *Settings) { s.Chat.ModelURL = "ftp://host/v1/models/x:predict" },
		"model url no host": func(s *Settings) { s.Chat.ModelURL = "/v1/models/x:predict" },
		"bad openai url":    func(s *Settings) { s.Predictor.OpenAIBaseURL = "localhost:1234" },
		"two model sources": func(s *Settings) { s.Transformer.PredictorHost = "p:80"; s.Transformer.ModelPath = "f.json" },
		"template without text": func(s *Settings) {
			s.Chat.Session.Format = "template"
			s.Chat.Session.ReplyDelimiter = "A:\n"
		},
		"template without delimiter": func(s *Settings) {
			s.Chat.Session.Format = "template"
			s.Chat.Session.FormatTemplate = "{{.Role}}: {{.Text}}\n"
		},
		"broken template": func(s *Settings) {
			s.Predictor.Session.Format = "template"
			s.Predictor.Session.FormatTemplate = "{{.Text"
			s.Predictor.Session.ReplyDelimiter = "A:\n"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := Defaults()
			mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := Defaults()
	c := s.Clone()
	c.Predictor.Session.TopK = 99
	c.Server.HTTPAddress = ":1"
	assert.Equal(t, 5, s.Predictor.Session.TopK)
	assert.Equal(t, ":8080", s.Server.HTTPAddress)
	assert.Equal(t, s.Transformer, c.Transformer)
}

func TestTemplateFormatSettings(t *testing.T) {
	s := Defaults()
	s.Chat.Session.Format = "template"
	s.Chat.Session.FormatTemplate = "{{.Role}}: {{.Text}}\n"
	s.Chat.Session.ReplyCue = "assistant:"
	s.Chat.Session.ReplyDelimiter = "assistant:\n"
	require.NoError(t, s.Validate())

	f, err := s.Chat.Session.NewFormat()
	require.NoError(t, err)
	assert.Equal(t, "template", f.Name())
	assert.Equal(t, "assistant:", f.ReplyCue())
}
