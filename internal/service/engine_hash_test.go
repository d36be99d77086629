package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

func encodePNG(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for x := range 4 {
		for y := range 4 {
			img.SetGray(x, y, color.Gray{Y: shade})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestHashEngine(t *testing.T, dim int) *HashEngine {
	t.Helper()
	engine, err := NewHashEngine(HashEngineConfig{Dimension: dim})
	if err != nil {
		t.Fatalf("NewHashEngine() error = %v", err)
	}
	if err := engine.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup() error = %v", err)
	}
	t.Cleanup(func() {
		_ = engine.Close()
	})
	return engine
}

func TestNewHashEngineDimension(t *testing.T) {
	engine, err := NewHashEngine(HashEngineConfig{})
	if err != nil {
		t.Fatalf("NewHashEngine() error = %v", err)
	}
	if engine.Dimension() != DefaultEmbeddingDimension {
		t.Fatalf("unexpected default dimension: %d", engine.Dimension())
	}
	if _, err := NewHashEngine(HashEngineConfig{Dimension: -3}); err == nil {
		t.Fatalf("expected error for negative dimension")
	}
}

func TestHashEngineIsDeterministicAndNormalized(t *testing.T) {
	engine := newTestHashEngine(t, 64)
	picture := encodePNG(t, 120)
	batch := PartitionedBatch{
		Images: []Task{{ID: "i1", Image: picture}},
		Texts:  []Task{{ID: "t1", Text: "a photo of a cat"}, {ID: "t2", Text: "a photo of a dog"}},
	}

	first, err := engine.Infer(context.Background(), batch)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	second, err := engine.Infer(context.Background(), batch)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if len(first.Images) != 1 || len(first.Texts) != 2 {
		t.Fatalf("unexpected output shape: %d images, %d texts", len(first.Images), len(first.Texts))
	}

	all := append(append([]Output{}, first.Images...), first.Texts...)
	again := append(append([]Output{}, second.Images...), second.Texts...)
	for idx, out := range all {
		if out.Err != nil {
			t.Fatalf("output %d error = %v", idx, out.Err)
		}
		if len(out.Embedding) != 64 {
			t.Fatalf("output %d has %d dims", idx, len(out.Embedding))
		}
		var norm float64
		for jdx, value := range out.Embedding {
			norm += float64(value) * float64(value)
			if again[idx].Embedding[jdx] != value {
				t.Fatalf("output %d differs between runs at %d", idx, jdx)
			}
		}
		if math.Abs(math.Sqrt(norm)-1) > 1e-4 {
			t.Fatalf("output %d norm = %f", idx, math.Sqrt(norm))
		}
	}
	if first.Texts[0].Embedding[0] == first.Texts[1].Embedding[0] {
		t.Fatalf("different texts produced the same embedding")
	}
	if first.Texts[0].Aesthetic != 0 {
		t.Fatalf("text output carries aesthetic score %f", first.Texts[0].Aesthetic)
	}
	if score := first.Images[0].Aesthetic; score < 0 || score >= 10 {
		t.Fatalf("aesthetic score out of range: %f", score)
	}
}

func TestHashEngineSeparatesKinds(t *testing.T) {
	engine := newTestHashEngine(t, 16)
	imageVec := engine.embed(KindImage, []byte("same"))
	textVec := engine.embed(KindText, []byte("same"))
	same := true
	for idx := range imageVec {
		if imageVec[idx] != textVec[idx] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("image and text with equal payload share an embedding")
	}
}

func TestHashEngineUndecodableImageFailsOnlyThatTask(t *testing.T) {
	engine := newTestHashEngine(t, 8)
	out, err := engine.Infer(context.Background(), PartitionedBatch{
		Images: []Task{
			{ID: "junk", Image: []byte("definitely not an image")},
			{ID: "ok", Image: encodePNG(t, 10)},
		},
	})
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if !errors.Is(out.Images[0].Err, ErrEngineInference) {
		t.Fatalf("expected ErrEngineInference for junk image, got %v", out.Images[0].Err)
	}
	if out.Images[1].Err != nil {
		t.Fatalf("valid image failed: %v", out.Images[1].Err)
	}
}

func TestHashEngineClosed(t *testing.T) {
	engine, err := NewHashEngine(HashEngineConfig{Dimension: 8})
	if err != nil {
		t.Fatalf("NewHashEngine() error = %v", err)
	}
	_ = engine.Close()
	if err := engine.Warmup(context.Background()); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable from Warmup, got %v", err)
	}
	if _, err := engine.Infer(context.Background(), PartitionedBatch{}); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable from Infer, got %v", err)
	}
}

func TestHashEngineHonorsContext(t *testing.T) {
	engine := newTestHashEngine(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Infer(ctx, PartitionedBatch{Texts: []Task{{ID: "t", Text: "x"}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAestheticScoreRange(t *testing.T) {
	cases := [][]float32{
		nil,
		{1},
		{-1},
		{0.5, 0.5, 0.5, 0.5},
		{-0.9, 0.1},
	}
	for _, vec := range cases {
		score := aestheticScore(vec)
		if score < 0 || score >= 10 {
			t.Fatalf("aestheticScore(%v) = %f", vec, score)
		}
	}
}
