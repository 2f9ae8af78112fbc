// Package features turns raw domain input into fixed-length numeric vectors.
//
// A Codec is a pure function: the same item encoded with the same Config always
// yields a bit-identical Vector of length Config.Bits. Codecs hold no mutable
// state and can be shared between goroutines.
//
// Codecs are selected by algorithm identifier through New. The built-in
// algorithms are circular molecular fingerprints over SMILES strings (morgan,
// morgan-features) and a hashed bag of BPE tokens for free text (token-hash).
package features

import (
	"fmt"
	"sort"
	"sync"
)

const (
	AlgorithmMorgan         = "morgan"
	AlgorithmMorganFeatures = "morgan-features"
	AlgorithmTokenHash      = "token-hash"

	DefaultBits   = 1024
	DefaultRadius = 1
)

// Vector is the fixed-length numeric encoding of one input item.
type Vector []float32

// OnBits returns the indices of the non-zero positions.
func (v Vector) OnBits() []int {
	ret := []int{}
	for i, x := range v {
		if x != 0 {
			ret = append(ret, i)
		}
	}
	return ret
}

// Config selects an algorithm and its vector length.
type Config struct {
	Algorithm string `json:"algorithm" yaml:"algorithm" mapstructure:"algorithm"`
	Bits      int    `json:"bits" yaml:"bits" mapstructure:"bits"`
	// Radius is the number of neighbourhood iterations for circular fingerprints.
	Radius int `json:"radius" yaml:"radius" mapstructure:"radius"`
}

// DefaultConfig matches the reference transformer: radius 1, 1024 bits.
func DefaultConfig() Config {
	return Config{
		Algorithm: AlgorithmMorgan,
		Bits:      DefaultBits,
		Radius:    DefaultRadius,
	}
}

func (c Config) String() string {
	return fmt.Sprintf("%s/%d/r%d", c.Algorithm, c.Bits, c.Radius)
}

// Codec encodes a single raw item into a Vector.
type Codec interface {
	// Encode returns a vector of exactly Config().Bits values, or an *EncodingError
	// when the item cannot be parsed into the codec's domain representation.
	Encode(item string) (Vector, error)
	Config() Config
}

// Factory builds a Codec for a validated Config.
type Factory func(cfg Config) (Codec, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		AlgorithmMorgan:         newMorganCodec,
		AlgorithmMorganFeatures: newMorganCodec,
		AlgorithmTokenHash:      newTokenHashCodec,
	}
)

// Register makes an algorithm available to New. Registering an existing name
// replaces it.
func Register(algorithm string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[algorithm] = f
}

// Algorithms lists the registered algorithm identifiers, sorted.
func Algorithms() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	ret := make([]string, 0, len(factories))
	for k := range factories {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// New validates cfg and returns the codec for its algorithm.
func New(cfg Config) (Codec, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmMorgan
	}
	if cfg.Bits < 1 {
		return nil, fmt.Errorf("features: bits must be >= 1, got %d", cfg.Bits)
	}
	if cfg.Radius < 0 {
		return nil, fmt.Errorf("features: radius must be >= 0, got %d", cfg.Radius)
	}

	factoriesMu.RLock()
	f, ok := factories[cfg.Algorithm]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("features: unknown algorithm %q (available: %v)", cfg.Algorithm, Algorithms())
	}
	return f(cfg)
}
