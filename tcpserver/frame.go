package tcpserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length prefix size. The prefix is a little-endian
// uint32 counting the whole frame, prefix included.
const HeaderSize = 4

// DefaultMaxFrameSize caps a frame when no limit is configured.
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned for frames above the configured limit.
var ErrFrameTooLarge = errors.New("frame too large")

// ErrFrameTooSmall is returned for a length prefix shorter than the header.
var ErrFrameTooSmall = errors.New("frame shorter than header")

// EncodeFrame prefixes payload with its frame length.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(frame)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// ReadFrame reads one frame from r and returns its payload.
//
// Parameters:
//   - r: Source stream
//   - maxSize: Largest accepted frame, prefix included
//
// Returns:
//   - The payload, which may be empty
//   - io.EOF on a clean end of stream, ErrFrameTooLarge or ErrFrameTooSmall
//     for a bad prefix, or the read error
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := int(binary.LittleEndian.Uint32(header[:]))
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooSmall, size)
	}
	if size > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	payload := make([]byte, size-HeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return payload, nil
}
