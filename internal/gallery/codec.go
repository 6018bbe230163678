package gallery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrBadEncoding is returned when raw embedding bytes cannot be a float32 vector.
var ErrBadEncoding = errors.New("bad embedding encoding")

// DecodeEmbedding converts raw little-endian float32 bytes into a vector.
// This is the layout the enrollment tooling has always written to the database.
func DecodeEmbedding(raw []byte) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadEncoding)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", ErrBadEncoding, len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		v := math.Float32frombits(bits)
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: component %d is not finite", ErrBadEncoding, i)
		}
		vec[i] = v
	}
	return vec, nil
}

// EncodeEmbedding is the inverse of DecodeEmbedding.
func EncodeEmbedding(vec []float32) []byte {
	raw := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return raw
}
