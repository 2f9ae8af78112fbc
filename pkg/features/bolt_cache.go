package features

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

var bucketVectors = []byte("vectors")

// BoltCache persists encoded vectors in a bbolt file so that repeated items
// survive restarts. Keys are derived from the codec configuration and the
// item, so several codecs can share one file.
type BoltCache struct {
	codec Codec
	db    *bbolt.DB
}

var _ Codec = (*BoltCache)(nil)

type BoltCacheOption func(*boltCacheOptions)

type boltCacheOptions struct {
	timeout time.Duration
}

// WithOpenTimeout bounds how long Open waits for the file lock.
func WithOpenTimeout(d time.Duration) BoltCacheOption {
	return func(o *boltCacheOptions) {
		o.timeout = d
	}
}

func NewBoltCache(codec Codec, path string, opts ...BoltCacheOption) (*BoltCache, error) {
	o := &boltCacheOptions{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: o.timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open vector cache %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create vector bucket: %w", err)
	}

	return &BoltCache{codec: codec, db: db}, nil
}

func (b *BoltCache) key(item string) []byte {
	cfg := b.codec.Config()
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s|%d|%d|", cfg.Algorithm, cfg.Bits, cfg.Radius)
	_, _ = h.Write([]byte(item))
	return h.Sum(nil)
}

func (b *BoltCache) Encode(item string) (Vector, error) {
	key := b.key(item)
	bits := b.codec.Config().Bits

	var cached Vector
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketVectors).Get(key)
		if data == nil {
			return nil
		}
		v, err := decodeVector(data)
		if err != nil {
			return err
		}
		if len(v) == bits {
			cached = v
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring corrupt vector cache entry")
	}
	if cached != nil {
		return cached, nil
	}

	v, err := b.codec.Encode(item)
	if err != nil {
		return nil, err
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVectors).Put(key, encodeVector(v))
	})
	if err != nil {
		log.Warn().Err(err).Msg("Could not persist vector")
	}
	return v, nil
}

func (b *BoltCache) Config() Config {
	return b.codec.Config()
}

// Len returns the number of persisted vectors.
func (b *BoltCache) Len() (int, error) {
	n := 0
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketVectors).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *BoltCache) Close() error {
	return b.db.Close()
}

func encodeVector(v Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(data []byte) (Vector, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector payload of %d bytes is not a multiple of 4", len(data))
	}
	v := make(Vector, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return v, nil
}
