package wsframe

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For all valid data frames, decode(encode(frame)) == frame, across all three
// length encodings, masked or not.
func TestCodecRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("unmasked frames survive a round trip", prop.ForAll(
		func(payload []byte, final bool) bool {
			in := &Frame{Opcode: OpcodeBinary, Payload: payload, Final: final}
			out, err := ReadFrame(bytes.NewReader(Encode(in)))
			if err != nil {
				return false
			}
			return out.Opcode == in.Opcode && out.Final == in.Final &&
				bytes.Equal(out.Payload, in.Payload)
		},
		genPayload(),
		gen.Bool(),
	))

	properties.Property("masked frames survive a round trip", prop.ForAll(
		func(payload []byte, k0, k1, k2, k3 byte) bool {
			key := [4]byte{k0, k1, k2, k3}
			in := &Frame{Opcode: OpcodeBinary, Payload: payload, Final: true}
			out, err := ReadFrame(bytes.NewReader(EncodeMasked(in, key)))
			if err != nil {
				return false
			}
			return bytes.Equal(out.Payload, in.Payload)
		},
		genPayload(),
		gen.UInt8(), gen.UInt8(), gen.UInt8(), gen.UInt8(),
	))

	properties.TestingRun(t)
}

// Masking the same bytes twice with the same key restores the original.
func TestMaskSelfInverseProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("mask is self-inverse", prop.ForAll(
		func(payload []byte, k0, k1, k2, k3 byte) bool {
			key := [4]byte{k0, k1, k2, k3}
			work := make([]byte, len(payload))
			copy(work, payload)
			Mask(key, work)
			Mask(key, work)
			return bytes.Equal(work, payload)
		},
		genPayload(),
		gen.UInt8(), gen.UInt8(), gen.UInt8(), gen.UInt8(),
	))

	properties.TestingRun(t)
}

// genPayload biases sizes around the 125/126 and 65535/65536 length-encoding
// boundaries while keeping the generated corpus small enough to run quickly.
func genPayload() gopter.Gen {
	boundary := gen.OneConstOf(0, 1, 124, 125, 126, 127, 65534, 65535, 65536, 65537)
	size := gen.Weighted([]gen.WeightedGen{
		{Weight: 3, Gen: gen.IntRange(0, 512)},
		{Weight: 1, Gen: boundary},
	})
	return size.Map(func(n int) []byte {
		return patternBytes(n)
	})
}

func patternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 31)
	}
	return b
}
