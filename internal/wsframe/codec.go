package wsframe

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/CrazyForks/anyvm/internal/model"
)

const (
	finalBit   = 0x80
	opcodeBits = 0x0F
	maskBit    = 0x80
	lenBits    = 0x7F

	// 7-bit length values signalling an extended length field.
	len16 = 126
	len64 = 127
)

// maxPayload bounds a single frame so a hostile peer cannot make the relay
// allocate an arbitrary amount of memory.
const maxPayload = 16 << 20

// ReadFrame decodes one frame from r.
//
// A close frame returns (nil, ErrClosed). EOF before any header byte returns
// io.EOF; EOF inside a frame returns ErrTruncated. Both end the session.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrTruncated
	}
	if _, err := io.ReadFull(r, header[1:2]); err != nil {
		return nil, ErrTruncated
	}

	frame := &Frame{
		Opcode: Opcode(header[0] & opcodeBits),
		Final:  header[0]&finalBit != 0,
	}
	masked := header[1]&maskBit != 0
	length := uint64(header[1] & lenBits)

	switch length {
	case len16:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, ErrTruncated
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case len64:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, ErrTruncated
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > maxPayload {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", model.ErrProtocol, length)
	}

	var key [4]byte
	if masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return nil, ErrTruncated
		}
	}

	frame.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, frame.Payload); err != nil {
		return nil, ErrTruncated
	}
	if masked {
		Mask(key, frame.Payload)
	}

	if frame.Opcode == OpcodeClose {
		return nil, ErrClosed
	}
	return frame, nil
}

// WriteFrame encodes f for the server→client direction (never masked) and
// writes it to w in one call.
func WriteFrame(w io.Writer, f *Frame) error {
	_, err := w.Write(Encode(f))
	return err
}

// Encode serializes f without masking, choosing the minimal length encoding.
func Encode(f *Frame) []byte {
	return encode(f, false, [4]byte{})
}

// EncodeMasked serializes f masked with key, as a client would send it.
func EncodeMasked(f *Frame, key [4]byte) []byte {
	return encode(f, true, key)
}

func encode(f *Frame, masked bool, key [4]byte) []byte {
	n := len(f.Payload)
	buf := make([]byte, 0, 14+n)

	b0 := byte(f.Opcode) & opcodeBits
	if f.Final {
		b0 |= finalBit
	}
	buf = append(buf, b0)

	var b1 byte
	if masked {
		b1 = maskBit
	}
	switch {
	case n <= 125:
		buf = append(buf, b1|byte(n))
	case n <= 0xFFFF:
		buf = append(buf, b1|len16)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	default:
		buf = append(buf, b1|len64)
		buf = binary.BigEndian.AppendUint64(buf, uint64(n))
	}

	if masked {
		buf = append(buf, key[:]...)
		start := len(buf)
		buf = append(buf, f.Payload...)
		Mask(key, buf[start:])
		return buf
	}
	return append(buf, f.Payload...)
}

// Mask XORs p in place with the 4-byte key. Masking is self-inverse, so the
// same call unmasks.
func Mask(key [4]byte, p []byte) {
	for i := range p {
		p[i] ^= key[i%4]
	}
}
