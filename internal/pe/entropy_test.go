package pe

import (
	"bytes"
	"debug/pe"
	"math"
	"testing"

	"gotest.tools/assert"
)

func ascending(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestCalculateEntropy(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		min, max float64
	}{
		{name: "Empty", data: nil, min: 0, max: 0},
		{name: "Single value", data: bytes.Repeat([]byte{0x2A}, 8), min: 0, max: 0},
		{name: "Eight distinct bytes", data: ascending(8), min: 2.99, max: 3.01},
		{name: "Every byte value", data: ascending(256), min: 7.99, max: 8.0},
		{name: "IL method body", data: []byte{0x2E, 0x72, 0x01, 0x00, 0x00, 0x70, 0x28, 0x01, 0x00, 0x00, 0x0A, 0x2A}, min: 2.0, max: 3.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateEntropy(tt.data)
			assert.Assert(t, got >= tt.min && got <= tt.max, "entropy %v not in [%v, %v]", got, tt.min, tt.max)
		})
	}
}

func TestSectionEntropy(t *testing.T) {
	data := make([]byte, 0x400)
	copy(data[0x200:], ascending(0x100))

	tests := []struct {
		name    string
		section pe.SectionHeader32
		want    float64
	}{
		{"Uniform bytes", pe.SectionHeader32{PointerToRawData: 0x200, SizeOfRawData: 0x100}, 8.0},
		{"Zero fill", pe.SectionHeader32{PointerToRawData: 0x300, SizeOfRawData: 0x100}, 0.0},
		{"No raw data", pe.SectionHeader32{PointerToRawData: 0x200}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SectionEntropy(bytes.NewReader(data), tt.section)
			assert.NilError(t, err)
			assert.Assert(t, math.Abs(got-tt.want) < 0.01, "entropy %v, want %v", got, tt.want)
		})
	}
}
