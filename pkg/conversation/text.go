package conversation

import (
	"strings"

	"github.com/go-go-golems/servitor/pkg/features"
	"github.com/rs/zerolog/log"
)

// LastNWords splits text on whitespace and joins the last n words with single
// spaces. n <= 0 keeps every word.
func LastNWords(text string, n int) string {
	words := strings.Fields(text)
	if n > 0 && len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}

var markerReplacer = strings.NewReplacer("[INST]", "", "[/INST]", "")

// StripMarkers removes llama2 instruction markers for display.
func StripMarkers(text string) string {
	return markerReplacer.Replace(text)
}

// TokenCount returns the number of cl100k_base tokens in text, or -1 when the
// tokenizer is unavailable.
func TokenCount(text string) int {
	codec, err := features.BPE()
	if err != nil {
		log.Warn().Err(err).Msg("Tokenizer unavailable")
		return -1
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return -1
	}
	return len(ids)
}
