// Package fingerprint computes perceptual hashes of video frames so near-static
// footage can be recognised.
package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
)

// Of returns the 64-bit perception hash of an encoded image.
func Of(encoded []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return 0, fmt.Errorf("decode frame: %w", err)
	}
	return OfImage(img)
}

// OfImage returns the 64-bit perception hash of img.
func OfImage(img image.Image) (uint64, error) {
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, fmt.Errorf("perception hash: %w", err)
	}
	return hash.GetHash(), nil
}

// Distance is the Hamming distance between two perception hashes.
func Distance(a, b uint64) int {
	dist, err := goimagehash.NewImageHash(a, goimagehash.PHash).Distance(goimagehash.NewImageHash(b, goimagehash.PHash))
	if err != nil {
		// Both hashes share a kind, so Distance cannot fail.
		return 64
	}
	return dist
}
