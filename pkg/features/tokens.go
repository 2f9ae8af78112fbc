package features

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenEncoding is the BPE vocabulary used by the token-hash codec.
const TokenEncoding = tokenizer.Cl100kBase

var (
	bpeOnce  sync.Once
	bpeCodec tokenizer.Codec
	bpeErr   error
)

// BPE returns the shared cl100k_base tokenizer. Loading the vocabulary is
// expensive so it happens once per process.
func BPE() (tokenizer.Codec, error) {
	bpeOnce.Do(func() {
		bpeCodec, bpeErr = tokenizer.Get(TokenEncoding)
	})
	return bpeCodec, bpeErr
}

// tokenHashCodec counts BPE token ids into Bits buckets.
type tokenHashCodec struct {
	cfg   Config
	codec tokenizer.Codec
}

func newTokenHashCodec(cfg Config) (Codec, error) {
	codec, err := BPE()
	if err != nil {
		return nil, err
	}
	return &tokenHashCodec{cfg: cfg, codec: codec}, nil
}

func (t *tokenHashCodec) Config() Config {
	return t.cfg
}

func (t *tokenHashCodec) Encode(item string) (Vector, error) {
	if item == "" {
		return nil, newEncodingError(item, -1, "empty input")
	}
	ids, _, err := t.codec.Encode(item)
	if err != nil {
		return nil, &EncodingError{Item: item, Pos: -1, Reason: "tokenization failed", Err: err}
	}
	v := make(Vector, t.cfg.Bits)
	for _, id := range ids {
		v[id%uint(t.cfg.Bits)]++
	}
	return v, nil
}
