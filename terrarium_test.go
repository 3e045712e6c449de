package main

import (
	"math"
	"testing"
)

func TestVerticalFactorHalving(t *testing.T) {
	if got := verticalFactor(19); got != 1.0/256.0 {
		t.Fatalf("factor at z19 = %v, want 1/256", got)
	}
	for z := uint32(0); z < ZoomMax; z++ {
		if verticalFactor(z) != 2*verticalFactor(z+1) {
			t.Fatalf("factor at z%d is not double of z%d", z, z+1)
		}
	}
}

func TestQuantize(t *testing.T) {
	// at z17 the step is 2^2/256 = 1/64 m
	got := quantize(100.013, 17)
	want := math.Round(100.013*64) / 64
	if got != want {
		t.Fatalf("quantize(100.013, 17) = %v, want %v", got, want)
	}
	if quantize(0, 5) != 0 {
		t.Fatalf("quantize(0) must stay 0")
	}
}

func constTile(v float64) []float64 {
	elev := make([]float64, TileSize*TileSize)
	for i := range elev {
		elev[i] = v
	}
	return elev
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []float64{0, -42.5, 100, 3776.24, 8848.86}
	zooms := []uint32{0, 8, 12, 17}
	for _, z := range zooms {
		for _, v := range values {
			payload, err := encodeTile(constTile(v), z)
			if err != nil {
				t.Fatalf("encode z%d v=%v: %v", z, v, err)
			}
			decoded, err := decodeTile(payload)
			if err != nil {
				t.Fatalf("decode z%d v=%v: %v", z, v, err)
			}
			want := quantize(v, z)
			if len(decoded) != TileSize*TileSize {
				t.Fatalf("decoded %d samples, want %d", len(decoded), TileSize*TileSize)
			}
			for i, got := range decoded {
				if got != want {
					t.Fatalf("z%d v=%v pixel %d: decoded %v, want %v", z, v, i, got, want)
				}
			}
		}
	}
}

func TestEncodeRejectsWrongSize(t *testing.T) {
	if _, err := encodeTile(make([]float64, 100), 10); err == nil {
		t.Fatal("expected an error for a short elevation array")
	}
}
