package conversation

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const llamaSystemPrompt = "<s>[INST] <<SYS>>\nYou are a helpful assistant.\n<</SYS>>"

func TestRenderLlama2History(t *testing.T) {
	s := NewSession(WithSystemPrompt(llamaSystemPrompt))
	s.Append(RoleUser, "Hello")
	s.Append(RoleAssistant, "Hi!")
	s.Append(RoleUser, "How are you?")

	assert.Equal(t,
		"<s>[INST] <<SYS>> You are a helpful assistant. <</SYS>> [INST] Hello [/INST] Hi! [INST] How are you? [/INST]",
		s.Render())
}

func TestRenderKeepsLastWords(t *testing.T) {
	plain, err := NewTemplateFormat("plain", "{{.Text}} ", "", "")
	require.NoError(t, err)

	s := NewSession(WithSystemPrompt("SYS"), WithWordBudget(3), WithFormat(plain))
	s.Append(RoleUser, "a b")
	s.Append(RoleAssistant, "c d")
	assert.Equal(t, "b c d", s.Render())

	// With llama2 markers the window may start in the middle of a turn.
	s = NewSession(WithSystemPrompt("SYS"), WithWordBudget(3))
	s.Append(RoleUser, "a b")
	s.Append(RoleAssistant, "c d")
	assert.Equal(t, "[/INST] c d", s.Render())
}

func TestRenderIsSuffixOfUnrestrictedRender(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	vocabulary := []string{"alpha", "beta", "[INST]", "gamma\n", "delta  epsilon", "zeta\t", "]"}

	for round := 0; round < 50; round++ {
		budget := 1 + r.Intn(30)
		full := NewSession(WithSystemPrompt("SYS prompt"), WithWordBudget(0))
		windowed := NewSession(WithSystemPrompt("SYS prompt"), WithWordBudget(budget))
		turns := r.Intn(10)
		for i := 0; i < turns; i++ {
			role := RoleUser
			if i%2 == 1 {
				role = RoleAssistant
			}
			var words []string
			for j := 0; j <= r.Intn(6); j++ {
				words = append(words, vocabulary[r.Intn(len(vocabulary))])
			}
			text := strings.Join(words, " ")
			full.Append(role, text)
			windowed.Append(role, text)
		}

		all := strings.Fields(full.Render())
		got := strings.Fields(windowed.Render())
		require.LessOrEqual(t, len(got), budget)
		start := len(all) - budget
		if start < 0 {
			start = 0
		}
		assert.Equal(t, all[start:], got, "round %d", round)
	}
}

func TestAppendIgnoresOnlyEmptyText(t *testing.T) {
	s := NewSession()
	require.True(t, s.Append(RoleUser, "Hello"))
	before := s.Turns()

	assert.False(t, s.Append(RoleUser, ""))
	assert.Equal(t, before, s.Turns())

	assert.True(t, s.Append(RoleUser, "  "))
	assert.Equal(t, 2, s.Len())

	assert.True(t, s.Append(RoleAssistant, ""))
	assert.Equal(t, 3, s.Len())
}

func TestConcurrentAppendsAreAllKept(t *testing.T) {
	s := NewSession()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Append(RoleUser, fmt.Sprintf("message %d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len())
}

func TestExtractReply(t *testing.T) {
	s := NewSession()
	assert.Equal(t, "Hello there", s.ExtractReply("[INST] hi [/INST]\nHello there"))
	assert.Equal(t, "no marker here", s.ExtractReply("no marker here"))
	assert.Equal(t, "last", s.ExtractReply("a]\nb]\nlast"))
	assert.Equal(t, "", s.ExtractReply("ends with marker]\n"))

}

func TestRoleTagFormat(t *testing.T) {
	s := NewSession(WithFormat(RoleTagFormat{}), WithSystemPrompt("Be nice.\n"), WithWordBudget(0))
	s.Append(RoleUser, "hi")
	s.Append(RoleAssistant, "hello\n")
	s.Append(RoleUser, "more")
	prompt := s.Render()
	assert.Equal(t, "Be nice. [user]: hi [assistant]: hello [user]: more [assistant]:", prompt)

	// earlier assistant turns never match, only the open tag at the end
	assert.Equal(t, "fine thanks", s.ExtractReply(prompt+"\nfine thanks"))
	assert.Equal(t, "no tag", s.ExtractReply("no tag"))
}

func TestRoleTagCueSurvivesWindow(t *testing.T) {
	s := NewSession(WithFormat(RoleTagFormat{}), WithWordBudget(2))
	s.Append(RoleUser, "a long question")
	assert.Equal(t, "question [assistant]:", s.Render())
	assert.Equal(t, "yes", s.ExtractReply(s.Render()+"\nyes"))
}

func TestTemplateFormat(t *testing.T) {
	f, err := NewTemplateFormat("qa", "{{if eq .Role \"user\"}}Q{{else}}A{{end}}: {{.Text | trim | upper}}\n", "A:", "A:\n")
	require.NoError(t, err)
	assert.Equal(t, "Q: HI\n", f.RenderTurn(Turn{Role: RoleUser, Text: "  hi "}))
	assert.Equal(t, "A: OK\n", f.RenderTurn(Turn{Role: RoleAssistant, Text: "ok"}))
	assert.Equal(t, "A:", f.ReplyCue())

	s := NewSession(WithFormat(f))
	s.Append(RoleUser, "how are you")
	assert.Equal(t, "Q: HOW ARE YOU A:", s.Render())
	assert.Equal(t, "fine", s.ExtractReply(s.Render()+"\nfine"))

	_, err = NewTemplateFormat("broken", "{{.Text", "", "")
	assert.Error(t, err)
	_, err = NewTemplateFormat("missing field", "{{.Speaker}}", "", "")
	assert.Error(t, err)
}

func TestFormatByName(t *testing.T) {
	f, err := FormatByName("llama2")
	require.NoError(t, err)
	assert.Equal(t, "llama2", f.Name())

	f, err = FormatByName("role-tags")
	require.NoError(t, err)
	assert.Equal(t, "role-tags", f.Name())

	_, err = FormatByName("chatml")
	assert.Error(t, err)
}

func TestNewFormat(t *testing.T) {
	f, err := NewFormat("role-tags", "ignored", "", "")
	require.NoError(t, err)
	assert.Equal(t, RoleTagFormat{}, f)

	f, err = NewFormat(TemplateFormatName, "<{{.Role}}> {{.Text}}\n", "<assistant>", "<assistant>\n")
	require.NoError(t, err)
	assert.Equal(t, TemplateFormatName, f.Name())
	assert.Equal(t, "<assistant>\n", f.ReplyDelimiter())

	_, err = NewFormat(TemplateFormatName, "", "", "")
	assert.Error(t, err)
}

func TestStripMarkers(t *testing.T) {
	assert.Equal(t, " hi ", StripMarkers("[INST] hi [/INST]"))
	assert.Equal(t, "plain", StripMarkers("plain"))
}

func TestLastNWords(t *testing.T) {
	assert.Equal(t, "c d", LastNWords("a  b\nc\td", 2))
	assert.Equal(t, "a b c d", LastNWords("a  b\nc\td", 0))
	assert.Equal(t, "a b", LastNWords(" a b ", 10))
	assert.Equal(t, "", LastNWords("   ", 3))
}

func TestTokenCount(t *testing.T) {
	assert.Equal(t, 2, TokenCount("hello world"))
}
