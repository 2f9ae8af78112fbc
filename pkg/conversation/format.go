package conversation

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/rs/zerolog/log"
)

// Format decides how turns are written into the prompt and how the reply is
// found in the model output.
//
// Runtimes answer with the prompt, a newline and the continuation. ReplyCue is
// written after the last turn to open the assistant's answer, and
// ReplyDelimiter must match the end of the rendered prompt plus that newline,
// so that the last delimiter in the output sits right before the reply.
type Format interface {
	Name() string
	RenderTurn(t Turn) string
	ReplyCue() string
	ReplyDelimiter() string
}

// Llama2Format writes user turns as " [INST] text [/INST]\n" and assistant
// turns as " text\n". The model echoes the prompt, so the reply is what
// follows the last "]\n".
type Llama2Format struct{}

func (Llama2Format) Name() string {
	return "llama2"
}

func (Llama2Format) RenderTurn(t Turn) string {
	if t.Role == RoleUser {
		return " [INST] " + t.Text + " [/INST]\n"
	}
	return " " + t.Text + "\n"
}

// ReplyCue is empty, a user turn already ends with "[/INST]".
func (Llama2Format) ReplyCue() string {
	return ""
}

func (Llama2Format) ReplyDelimiter() string {
	return "]\n"
}

// RoleTagFormat writes every turn as "[role]: text\n" and ends the prompt
// with an open "[assistant]:" tag. Render joins words with single spaces, so
// the tag is followed by a newline only where the runtime echo ends.
type RoleTagFormat struct{}

func (RoleTagFormat) Name() string {
	return "role-tags"
}

func (RoleTagFormat) RenderTurn(t Turn) string {
	return fmt.Sprintf("[%s]: %s\n", t.Role, strings.TrimRight(t.Text, "\n"))
}

func (RoleTagFormat) ReplyCue() string {
	return "[" + string(RoleAssistant) + "]:"
}

func (f RoleTagFormat) ReplyDelimiter() string {
	return f.ReplyCue() + "\n"
}

// TemplateFormatName is the configuration name of a template format.
const TemplateFormatName = "template"

// TemplateFormat renders each turn with a text/template. The template sees
// .Role, .Text and .Time and has the sprig functions available.
type TemplateFormat struct {
	name      string
	text      string
	tmpl      *template.Template
	cue       string
	delimiter string
}

// NewTemplateFormat parses text as the turn template. cue is appended after
// the last turn and delimiter marks the start of the reply in the output.
func NewTemplateFormat(name, text, cue, delimiter string) (*TemplateFormat, error) {
	tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("could not parse turn template: %w", err)
	}
	f := &TemplateFormat{name: name, text: text, tmpl: tmpl, cue: cue, delimiter: delimiter}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, Turn{Role: RoleUser, Text: "check"}); err != nil {
		return nil, fmt.Errorf("could not execute turn template: %w", err)
	}
	return f, nil
}

func (f *TemplateFormat) Name() string {
	return f.name
}

// Template returns the template source.
func (f *TemplateFormat) Template() string {
	return f.text
}

func (f *TemplateFormat) RenderTurn(t Turn) string {
	var sb strings.Builder
	if err := f.tmpl.Execute(&sb, t); err != nil {
		log.Error().Err(err).Str("format", f.name).Msg("Failed to render turn, using raw text")
		return t.Text
	}
	return sb.String()
}

func (f *TemplateFormat) ReplyCue() string {
	return f.cue
}

func (f *TemplateFormat) ReplyDelimiter() string {
	return f.delimiter
}

// FormatByName resolves the built-in formats.
func FormatByName(name string) (Format, error) {
	switch name {
	case "", "llama2":
		return Llama2Format{}, nil
	case "role-tags":
		return RoleTagFormat{}, nil
	}
	return nil, fmt.Errorf("unknown conversation format %q", name)
}

// NewFormat builds the format a configuration names. The template arguments
// are only used by the template format.
func NewFormat(name, tmpl, cue, delimiter string) (Format, error) {
	if name != TemplateFormatName {
		return FormatByName(name)
	}
	if tmpl == "" {
		return nil, fmt.Errorf("the %s format needs a turn template", TemplateFormatName)
	}
	return NewTemplateFormat(name, tmpl, cue, delimiter)
}
