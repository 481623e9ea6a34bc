// Package embed implements the embedding client: encode a string into a
// fixed-dimension vector, batched, without blocking the caller's scheduling
// goroutine on the underlying synchronous HTTP call.
package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"manifold/internal/config"
	"manifold/internal/embedding"
)

// Embedder converts text to embedding vectors.
type Embedder interface {
	// EmbedBatch returns an embedding vector per input text, preserving
	// order. Whitespace-only inputs are left as nil entries (absent).
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
	Ping(ctx context.Context) error
}

// EmbedOne encodes a single string, returning ok=false for empty/whitespace
// input per the "absent" contract rather than calling the backend at all.
func EmbedOne(ctx context.Context, e Embedder, text string) (vec []float32, ok bool, err error) {
	if strings.TrimSpace(text) == "" {
		return nil, false, nil
	}
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, false, err
	}
	if len(out) == 0 || out[0] == nil {
		return nil, false, nil
	}
	return out[0], true, nil
}

// clientEmbedder wraps the embedding.EmbedText HTTP client for real embeddings.
// Each EmbedBatch call runs its HTTP request on its own goroutine and returns
// early if ctx is cancelled; calls from different goroutines are not queued
// behind one another.
type clientEmbedder struct {
	cfg config.EmbeddingConfig
	dim int

	mu       sync.Mutex
	lastCall time.Time
	minDelay time.Duration
}

// NewClient constructs an embedder that calls the configured embedding
// endpoint, sending all non-blank inputs of one EmbedBatch call in a single
// request.
func NewClient(cfg config.EmbeddingConfig, dim int) Embedder {
	return &clientEmbedder{cfg: cfg, dim: dim}
}

func (c *clientEmbedder) Name() string   { return c.cfg.Model }
func (c *clientEmbedder) Dimension() int { return c.dim }

func (c *clientEmbedder) Ping(ctx context.Context) error {
	return embedding.CheckReachability(ctx, c.cfg)
}

func (c *clientEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	type job struct {
		idx  int
		text string
	}
	present := make([]job, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) != "" {
			present = append(present, job{idx: i, text: t})
		}
	}
	out := make([][]float32, len(texts))
	if len(present) == 0 {
		return out, nil
	}

	type result struct {
		vecs [][]float32
		err  error
	}
	done := make(chan result, 1)
	go func() {
		batch := make([]string, len(present))
		for i, j := range present {
			batch[i] = j.text
		}
		vecs, err := c.rateLimitedCall(ctx, batch)
		done <- result{vecs: vecs, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		for i, j := range present {
			if i < len(r.vecs) {
				out[j.idx] = r.vecs[i]
			}
		}
		return out, nil
	}
}

// rateLimitedCall waits until minDelay has passed since the previous call
// started before issuing the request. NewClient leaves minDelay at zero, so
// no delay is applied to clients built through it.
func (c *clientEmbedder) rateLimitedCall(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	if !c.lastCall.IsZero() {
		if elapsed := time.Since(c.lastCall); elapsed < c.minDelay {
			time.Sleep(c.minDelay - elapsed)
		}
	}
	c.lastCall = time.Now()
	c.mu.Unlock()

	return embedding.EmbedText(ctx, c.cfg, texts)
}

// deterministicEmbedder is a lightweight, deterministic embedder for tests:
// it hashes byte 3-grams into a fixed-size vector and optionally L2-normalizes.
type deterministicEmbedder struct {
	dim       int
	normalize bool
	seed      uint64
}

// NewDeterministic constructs a deterministic, network-free embedder.
func NewDeterministic(dim int, normalize bool, seed uint64) Embedder {
	if dim <= 0 {
		dim = 768
	}
	return &deterministicEmbedder{dim: dim, normalize: normalize, seed: seed}
}

func (d *deterministicEmbedder) Name() string              { return "deterministic" }
func (d *deterministicEmbedder) Dimension() int             { return d.dim }
func (d *deterministicEmbedder) Ping(_ context.Context) error { return nil }

func (d *deterministicEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *deterministicEmbedder) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	b := []byte(s)
	if len(b) < 3 {
		addGram(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(d.seed, b[i:i+3], v)
		}
	}
	if d.normalize {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if sum > 0 {
			inv := float32(1.0 / math.Sqrt(sum))
			for i := range v {
				v[i] *= inv
			}
		}
	}
	return v
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
