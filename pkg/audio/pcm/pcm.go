// Package pcm converts between normalised float32 samples and 16-bit signed
// little-endian PCM, the payload format of the duplex voice channel.
//
// Encoding clamps each sample to [-1, 1] and scales negative values by 32768
// and non-negative values by 32767 before truncating to int16. The asymmetry
// keeps both -1.0 and +1.0 inside the int16 range and is kept bit-exact for
// parity with existing consumers. Decoding divides by 32768.
//
// The round trip is lossy 16-bit quantisation. Negative samples come back
// within 1/32768; a non-negative sample s can lose up to (1+s)/32768 because
// of the scale asymmetry, so every sample stays below two LSBs of error.
//
// All functions are pure and safe for concurrent use.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedChunk is returned when a PCM16 payload does not contain a whole
// number of samples (odd byte length).
var ErrMalformedChunk = errors.New("pcm: malformed chunk")

// BytesPerSample is the size of one PCM16 sample.
const BytesPerSample = 2

// CaptureMIMEType tags outbound microphone chunks.
const CaptureMIMEType = "audio/pcm;rate=16000"

// WireChunk is a PCM16LE payload together with a MIME-style type tag
// describing encoding and sample rate. Data always has an even length when
// produced by [Encode].
type WireChunk struct {
	MIMEType string
	Data     []byte
}

// Samples returns the number of whole samples carried by the chunk.
func (c WireChunk) Samples() int { return len(c.Data) / BytesPerSample }

// MIMEType returns the PCM MIME tag for rate, e.g. "audio/pcm;rate=24000".
func MIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// Encode converts samples to a WireChunk tagged with [CaptureMIMEType].
// Empty input yields a chunk with empty Data.
func Encode(samples []float32) WireChunk {
	return WireChunk{MIMEType: CaptureMIMEType, Data: SamplesToPCM16(samples)}
}

// Decode converts a chunk back to samples. It fails with [ErrMalformedChunk]
// if the payload length is odd. The MIME tag is not inspected: inbound audio
// is untyped.
func Decode(c WireChunk) ([]float32, error) {
	return PCM16ToSamples(c.Data)
}

// SamplesToPCM16 encodes normalised samples as PCM16LE.
func SamplesToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(quantize(s)))
	}
	return out
}

// PCM16ToSamples decodes PCM16LE into normalised samples.
func PCM16ToSamples(data []byte) ([]float32, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedChunk, len(data))
	}
	out := make([]float32, len(data)/BytesPerSample)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
		out[i] = float32(v) / 32768.0
	}
	return out, nil
}

// quantize clamps s to [-1, 1] and scales it to int16 with the 32768/32767
// asymmetry. NaN encodes as zero.
func quantize(s float32) int16 {
	if s != s {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// EncodeBase64 is the binary-to-text transport encoding used by JSON framed
// channels.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 reverses [EncodeBase64].
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("pcm: base64: %w", err)
	}
	return data, nil
}
