package pe

import (
	"debug/pe"
	"io"
	"math"
)

// CalculateEntropy calculates Shannon entropy for a given data block.
// Entropy value ranges from 0 (completely uniform) to 8 (completely random).
func CalculateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0.0
	}

	var freq [256]int
	for _, b := range data {
		freq[b]++
	}

	// H = -Σ(p(x) * log2(p(x)))
	var entropy float64
	dataLen := float64(len(data))
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / dataLen
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// SectionEntropy reads a section's raw data and calculates its entropy.
func SectionEntropy(r io.ReaderAt, s pe.SectionHeader32) (float64, error) {
	if s.SizeOfRawData == 0 {
		return 0.0, nil
	}

	data := make([]byte, clampToReader(r, int64(s.PointerToRawData), s.SizeOfRawData))
	n, err := r.ReadAt(data, int64(s.PointerToRawData))
	if err != nil && err != io.EOF {
		return 0.0, err
	}
	return CalculateEntropy(data[:n]), nil
}
