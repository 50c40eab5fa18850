package controller

import (
	"math"
	"testing"
)

func TestRGBToHSVKnownColors(t *testing.T) {
	tests := []struct {
		name    string
		r, g, b uint8
		h, s, v float64
	}{
		{"black", 0, 0, 0, 0, 0, 0},
		{"white", 255, 255, 255, 0, 0, 1},
		{"red", 255, 0, 0, 0, 1, 1},
		{"green", 0, 255, 0, 1.0 / 3, 1, 1},
		{"blue", 0, 0, 255, 2.0 / 3, 1, 1},
		{"gray", 128, 128, 128, 0, 0, 128.0 / 255},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, s, v := RGBToHSV(tt.r, tt.g, tt.b)
			if math.Abs(h-tt.h) > 1e-9 || math.Abs(s-tt.s) > 1e-9 || math.Abs(v-tt.v) > 1e-9 {
				t.Errorf("got %v/%v/%v, want %v/%v/%v", h, s, v, tt.h, tt.s, tt.v)
			}
		})
	}
}

func TestHSVRoundTrip(t *testing.T) {
	colors := []struct{ r, g, b uint8 }{
		{255, 0, 0}, {0, 255, 0}, {0, 0, 255},
		{255, 255, 255}, {0, 0, 0},
		{255, 127, 0}, {64, 200, 150}, {12, 34, 56},
	}
	for _, c := range colors {
		h, s, v := RGBToHSV(c.r, c.g, c.b)
		r, g, b := HSVToRGB(h, s, v)
		if r != c.r || g != c.g || b != c.b {
			t.Errorf("round trip (%d,%d,%d) -> (%d,%d,%d)", c.r, c.g, c.b, r, g, b)
		}
	}
}
