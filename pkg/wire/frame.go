package wire

import (
	"bufio"
	"bytes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sockbus/sockbus/pkg/types"
)

const (
	// DefaultMaxFrameSize bounds one encoded frame, newline included
	DefaultMaxFrameSize = 1024 * 1024

	// MinFrameSize is the smallest usable frame bound
	MinFrameSize = 4096
)

// Codec encodes messages to wire frames and back. One frame is one line:
// either the message JSON itself, or, when the codec holds a key, an
// AES-256-GCM envelope around it. A Codec is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec creates a codec. A nil or empty key selects plaintext framing;
// a 32-byte key (see DeriveKey) selects sealed framing. Any other key
// length is rejected.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return &Codec{}, nil
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// Encrypted returns true if the codec seals frames
func (c *Codec) Encrypted() bool {
	return c.aead != nil
}

// Encode serializes a message into one newline-terminated frame
func (c *Codec) Encode(msg types.Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode message", err)
	}

	if c.aead != nil {
		line, err = seal(c.aead, line)
		if err != nil {
			return nil, err
		}
	}

	return append(line, '\n'), nil
}

// Decode parses one frame line (trailing newline optional) into a message.
//
// Error codes are part of the contract: AUTH_FAILED means the frame failed
// authentication and should be dropped with the connection left open;
// PROTOCOL means the peer is speaking something else and the connection
// should be closed.
func (c *Codec) Decode(line []byte) (types.Message, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return types.Message{}, types.NewError(types.ErrCodeProtocol, "empty frame")
	}

	if c.aead != nil {
		plaintext, err := open(c.aead, line)
		if err != nil {
			return types.Message{}, err
		}
		line = plaintext
	}

	var msg types.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return types.Message{}, types.WrapError(types.ErrCodeProtocol, "malformed frame", err)
	}
	if err := msg.Validate(); err != nil {
		return types.Message{}, types.WrapError(types.ErrCodeProtocol, "invalid frame", err)
	}

	return msg, nil
}

// Decoder reads newline-delimited frames from a byte stream, tolerating
// frames split across reads and multiple frames arriving in one read.
type Decoder struct {
	r        *bufio.Reader
	codec    *Codec
	maxFrame int
}

// NewDecoder wraps a reader with frame splitting. maxFrameSize bounds one
// frame including its newline; values below MinFrameSize are raised to it.
func NewDecoder(r io.Reader, codec *Codec, maxFrameSize int) *Decoder {
	if maxFrameSize < MinFrameSize {
		maxFrameSize = MinFrameSize
	}
	return &Decoder{
		r:        bufio.NewReaderSize(r, maxFrameSize),
		codec:    codec,
		maxFrame: maxFrameSize,
	}
}

// Next blocks until a complete frame arrives and decodes it. Empty lines
// are skipped. Underlying reader errors pass through unwrapped so callers
// can distinguish a closed stream from a misbehaving peer; an overlong
// frame surfaces as a PROTOCOL error.
func (d *Decoder) Next() (types.Message, error) {
	for {
		line, err := d.r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			return types.Message{}, types.NewError(types.ErrCodeProtocol,
				fmt.Sprintf("frame exceeds %d bytes", d.maxFrame))
		}
		if err != nil {
			// A partial line at stream end is discarded; the stream error
			// is what matters to the caller.
			return types.Message{}, err
		}

		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			continue
		}

		return d.codec.Decode(line)
	}
}
