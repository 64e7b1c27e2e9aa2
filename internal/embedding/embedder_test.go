package embedding

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/hyperjump/kanshou/internal/errs"
)

func TestMockExtractor_Deterministic(t *testing.T) {
	e := NewMockExtractor(16)
	ctx := context.Background()
	a1, _ := e.Extract(ctx, []byte("a"))
	a2, _ := e.Extract(ctx, []byte("a"))
	b, _ := e.Extract(ctx, []byte("b"))
	if len(a1) != 16 {
		t.Fatalf("len = %d", len(a1))
	}
	same := true
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatalf("same image gave different vectors at %d", i)
		}
		if a1[i] != b[i] {
			same = false
		}
	}
	if same {
		t.Error("different images gave identical vectors")
	}
	var norm float64
	for _, v := range a1 {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("norm^2 = %f, want 1", norm)
	}
}

func TestMockExtractor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockExtractor(4).Extract(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNormalizeL2Slice(t *testing.T) {
	x := []float32{3, 4}
	NormalizeL2Slice(x)
	if math.Abs(float64(x[0])-0.6) > 1e-6 || math.Abs(float64(x[1])-0.8) > 1e-6 {
		t.Errorf("got %v", x)
	}
	zero := []float32{0, 0}
	NormalizeL2Slice(zero)
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("zero vector changed: %v", zero)
	}
}

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeAndPreprocess(t *testing.T) {
	data := encodePNG(t, 40, 20, color.RGBA{R: 255, G: 0, B: 0, A: 255})
	img, format, err := DecodeImage(data)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if format != "png" {
		t.Errorf("format = %q", format)
	}
	tensor, err := Preprocess(img, 8)
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if len(tensor) != 3*8*8 {
		t.Fatalf("len = %d, want %d", len(tensor), 3*8*8)
	}
	wantR := (1 - channelMean[0]) / channelStd[0]
	wantG := (0 - channelMean[1]) / channelStd[1]
	if math.Abs(float64(tensor[0]-wantR)) > 0.05 {
		t.Errorf("red channel = %f, want %f", tensor[0], wantR)
	}
	if math.Abs(float64(tensor[64]-wantG)) > 0.05 {
		t.Errorf("green channel = %f, want %f", tensor[64], wantG)
	}
}

func TestDecodeImage_Invalid(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("not an image")} {
		_, _, err := DecodeImage(data)
		if !errors.Is(err, errs.ErrInvalidInput) {
			t.Errorf("DecodeImage(%q) err = %v, want invalid input", data, err)
		}
	}
}
