package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidMagic is returned when a record doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// MagicSize is the length of a frame's magic prefix.
const MagicSize = 4

// WriteFramed writes a framed record to w.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func WriteFramed(w io.Writer, magic []byte, header any, body []byte) error {
	if len(magic) != MagicSize {
		return fmt.Errorf("magic must be %d bytes, got %d", MagicSize, len(magic))
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(magic); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// EncodeFramed is WriteFramed into a new byte slice.
func EncodeFramed(magic []byte, header any, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFramed(&buf, magic, header, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadFramedHeader reads the magic and header of a framed record into
// header and returns a reader positioned at the start of the body.
func ReadFramedHeader(r io.Reader, magic []byte, header any) (io.Reader, error) {
	got := make([]byte, MagicSize)
	if _, err := io.ReadFull(r, got); err != nil {
		return nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(got, magic) {
		return nil, fmt.Errorf("%w: expected %q", ErrInvalidMagic, magic)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if err := json.Unmarshal(headerBytes, header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	return r, nil
}

// DecodeFramed parses a complete framed record held in data and returns
// the body bytes.
func DecodeFramed(data, magic []byte, header any) ([]byte, error) {
	body, err := ReadFramedHeader(bytes.NewReader(data), magic, header)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(body)
}

// IsFramed reports whether data starts with magic.
func IsFramed(data, magic []byte) bool {
	return len(data) >= MagicSize && bytes.Equal(data[:MagicSize], magic)
}
