package main

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
)

// Terrarium RGB encoding. Elevations are offset by +32768 so the
// encoded value is never negative, then spread over three byte
// channels. Vertical precision is quantized per zoom so payload
// entropy halves along with the spatial resolution.
const (
	fullResolutionZoom = 19
	terrariumOffset    = 32768.0
	encodingName       = "terrarium"
	payloadFormat      = "png"
)

// verticalFactor returns the quantization step at a zoom level:
// 2^(19-z)/256, i.e. 1/256 m at zoom 19 doubling every level up.
func verticalFactor(z uint32) float64 {
	return math.Exp2(float64(fullResolutionZoom)-float64(z)) / 256.0
}

func quantize(v float64, z uint32) float64 {
	factor := verticalFactor(z)
	return math.Round(v/factor) * factor
}

// encodeTile quantizes a TileSize×TileSize elevation array and encodes
// it as a lossless PNG of Terrarium RGB. Remaining NaN pixels must be
// resolved by the caller before encoding.
func encodeTile(elev []float64, z uint32) ([]byte, error) {
	if len(elev) != TileSize*TileSize {
		return nil, fmt.Errorf("elevation array has %d samples, want %d", len(elev), TileSize*TileSize)
	}
	img := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	for i, v := range elev {
		offset := quantize(v, z) + terrariumOffset
		if offset < 0 {
			offset = 0
		}
		whole := math.Floor(offset)
		r := math.Floor(offset / 256.0)
		g := whole - r*256.0
		b := (offset - whole) * 256.0
		p := i * 4
		img.Pix[p+0] = clampByte(r)
		img.Pix[p+1] = clampByte(g)
		img.Pix[p+2] = clampByte(b)
		img.Pix[p+3] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeTile is the exact inverse over quantized values:
// elevation = r*256 + g + b/256 - 32768.
func decodeTile(payload []byte) ([]float64, error) {
	img, err := png.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	rect := img.Bounds()
	w, h := rect.Dx(), rect.Dy()
	elev := make([]float64, w*h)
	i := 0
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			elev[i] = float64(r>>8)*256.0 + float64(g>>8) + float64(b>>8)/256.0 - terrariumOffset
			i++
		}
	}
	return elev, nil
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
