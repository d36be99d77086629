package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand/v2"
	"sync/atomic"
)

const HashEngineName = "hash"

type HashEngineConfig struct {
	Dimension int
}

// HashEngine derives embeddings from a hash of the payload. Equal payloads
// always map to the same unit vector, which makes it usable without a model
// and in tests.
type HashEngine struct {
	dim    int
	closed atomic.Bool
}

func NewHashEngine(cfg HashEngineConfig) (*HashEngine, error) {
	dim := cfg.Dimension
	if dim == 0 {
		dim = DefaultEmbeddingDimension
	}
	if dim < 0 {
		return nil, fmt.Errorf("embedding dimension must be > 0, got %d", dim)
	}
	return &HashEngine{dim: dim}, nil
}

func (e *HashEngine) Name() string {
	return HashEngineName
}

func (e *HashEngine) Dimension() int {
	return e.dim
}

func (e *HashEngine) Warmup(ctx context.Context) error {
	if e.closed.Load() {
		return fmt.Errorf("%w: hash engine is closed", ErrEngineUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	vec := e.embed(KindText, []byte("warmup"))
	if len(vec) != e.dim {
		return fmt.Errorf("%w: warmup produced %d dims, want %d", ErrEngineProtocol, len(vec), e.dim)
	}
	return nil
}

func (e *HashEngine) Infer(ctx context.Context, batch PartitionedBatch) (BatchOutput, error) {
	if e.closed.Load() {
		return BatchOutput{}, fmt.Errorf("%w: hash engine is closed", ErrEngineUnavailable)
	}
	out := BatchOutput{
		Images: make([]Output, len(batch.Images)),
		Texts:  make([]Output, len(batch.Texts)),
	}
	for idx, task := range batch.Images {
		if err := ctx.Err(); err != nil {
			return BatchOutput{}, err
		}
		if _, _, err := image.Decode(bytes.NewReader(task.Image)); err != nil {
			out.Images[idx] = Output{Err: fmt.Errorf("%w: decode image: %w", ErrEngineInference, err)}
			continue
		}
		vec := e.embed(KindImage, task.Image)
		out.Images[idx] = Output{Embedding: vec, Aesthetic: aestheticScore(vec)}
	}
	for idx, task := range batch.Texts {
		if err := ctx.Err(); err != nil {
			return BatchOutput{}, err
		}
		out.Texts[idx] = Output{Embedding: e.embed(KindText, []byte(task.Text))}
	}
	return out, nil
}

func (e *HashEngine) Close() error {
	if e == nil {
		return errors.New("engine is nil")
	}
	e.closed.Store(true)
	return nil
}

func (e *HashEngine) embed(kind Kind, payload []byte) []float32 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(kind))
	_, _ = hasher.Write(payload)
	seed := hasher.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	vec := make([]float32, e.dim)
	var norm float64
	for idx := range vec {
		value := rng.NormFloat64()
		vec[idx] = float32(value)
		norm += value * value
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for idx := range vec {
		vec[idx] = float32(float64(vec[idx]) / norm)
	}
	return vec
}

// aestheticScore maps a unit vector into [0, 10).
func aestheticScore(vec []float32) float32 {
	if len(vec) == 0 {
		return 0
	}
	scaled := float64(vec[0]) * math.Sqrt(float64(len(vec)))
	score := float32(5 + 5*math.Tanh(scaled))
	if score >= 10 {
		score = math.Nextafter32(10, 0)
	}
	if score < 0 {
		score = 0
	}
	return score
}
