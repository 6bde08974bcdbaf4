package cachestore

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	CompressionThreshold = 2048

	// MaxBodySize is the largest body the codec will store or inflate.
	MaxBodySize = 32 * 1024 * 1024
)

// entryMagic prefixes every stored response entry.
var entryMagic = []byte("OCE1")

var (
	// ErrBodyTooLarge is returned when a body exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("response body exceeds maximum size")

	// ErrCorrupted is returned when a stored entry fails digest verification
	// or cannot be decoded.
	ErrCorrupted = errors.New("cache entry corrupted")
)

// Encoding names how an entry's body is stored.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

// EntryHeader is the metadata stored in front of every cached body.
type EntryHeader struct {
	Status   int                       `json:"status"`
	Header   http.Header               `json:"header,omitempty"`
	Type     offlinecache.ResponseType `json:"type"`
	URL      string                    `json:"url"`
	StoredAt time.Time                 `json:"stored_at"`
	Size     int64                     `json:"size"`
	Encoding Encoding                  `json:"encoding"`
	Digest   string                    `json:"digest"`
}

// Codec encodes responses into framed entries. Encoder and decoder are
// goroutine-safe and reused across calls.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with a shared zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode serializes resp. The body is compressed when that makes it smaller
// and the digest always covers the uncompressed body.
func (c *Codec) Encode(resp *offlinecache.Response) ([]byte, error) {
	if len(resp.Body) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	hdr := EntryHeader{
		Status:   resp.Status,
		Header:   resp.Header,
		Type:     resp.Type,
		URL:      resp.URL,
		StoredAt: resp.StoredAt.UTC(),
		Size:     int64(len(resp.Body)),
		Encoding: EncodingIdentity,
		Digest:   offlinecache.HashBytes(resp.Body).Digest(),
	}

	payload := resp.Body
	if len(payload) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(payload, nil); len(compressed) < len(payload) {
				payload = compressed
				hdr.Encoding = EncodingZstd
			}
		}
	}

	return backend.EncodeFramed(entryMagic, hdr, payload)
}

// DecodeHeader parses only the entry header.
func (c *Codec) DecodeHeader(data []byte) (*EntryHeader, error) {
	var hdr EntryHeader
	if _, err := backend.DecodeFramed(data, entryMagic, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return &hdr, nil
}

// Decode parses an entry and verifies its digest. Any failure is reported
// as ErrCorrupted.
func (c *Codec) Decode(data []byte) (*offlinecache.Response, *EntryHeader, error) {
	var hdr EntryHeader
	payload, err := backend.DecodeFramed(data, entryMagic, &hdr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}

	body, err := c.decodeBody(payload, &hdr)
	if err != nil {
		return nil, nil, err
	}

	want, err := offlinecache.ParseDigest(hdr.Digest)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if got := offlinecache.HashBytes(body); got != want {
		return nil, nil, fmt.Errorf("%w: digest %s, want %s", ErrCorrupted, got.ShortString(), want.ShortString())
	}

	resp := &offlinecache.Response{
		Status:   hdr.Status,
		Header:   hdr.Header,
		Body:     body,
		Type:     hdr.Type,
		URL:      hdr.URL,
		StoredAt: hdr.StoredAt,
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return resp, &hdr, nil
}

func (c *Codec) decodeBody(payload []byte, hdr *EntryHeader) ([]byte, error) {
	switch hdr.Encoding {
	case EncodingIdentity, "":
		return payload, nil
	case EncodingZstd:
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrCorrupted, hdr.Encoding)
	}

	if hdr.Size < 0 {
		return nil, fmt.Errorf("%w: negative size", ErrCorrupted)
	}
	if hdr.Size > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()
	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	body, err := dec.DecodeAll(payload, make([]byte, 0, hdr.Size))
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing body: %w", ErrCorrupted, err)
	}
	return body, nil
}
