package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/sockbus/sockbus/pkg/types"
)

// Helper to create a sealed codec with a derived key
func createTestCodec(t *testing.T, password string) *Codec {
	t.Helper()

	codec, err := NewCodec(DeriveKey(password))
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}
	return codec
}

func createTestMessage(t *testing.T, event string, data interface{}) types.Message {
	t.Helper()

	msg, err := types.NewMessage(event, data)
	if err != nil {
		t.Fatalf("Failed to create message: %v", err)
	}
	return msg
}

func TestPlaintextEncode(t *testing.T) {
	codec := createTestCodec(t, "")
	if codec.Encrypted() {
		t.Error("Expected plaintext codec")
	}

	msg := createTestMessage(t, "greeting", map[string]string{"text": "hello"})
	frame, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	if !bytes.HasSuffix(frame, []byte("\n")) {
		t.Error("Expected newline-terminated frame")
	}
	if bytes.Count(frame, []byte("\n")) != 1 {
		t.Error("Expected exactly one newline per frame")
	}

	want := `{"event":"greeting","data":{"text":"hello"}}` + "\n"
	if string(frame) != want {
		t.Errorf("Expected frame %q, got %q", want, frame)
	}
}

func TestPlaintextRoundTrip(t *testing.T) {
	codec := createTestCodec(t, "")

	tests := []struct {
		name  string
		event string
		data  interface{}
	}{
		{"object", "state", map[string]interface{}{"ok": true, "n": float64(3)}},
		{"string with newline", "note", "line one\nline two"},
		{"no payload", "tick", nil},
		{"unicode", "событие", "данные"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := createTestMessage(t, tt.event, tt.data)
			frame, err := codec.Encode(msg)
			if err != nil {
				t.Fatalf("Failed to encode: %v", err)
			}

			// Payload newlines must be escaped, never split the frame
			if bytes.Count(frame, []byte("\n")) != 1 {
				t.Fatalf("Frame contains embedded newline: %q", frame)
			}

			got, err := codec.Decode(frame)
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			if got.Event != tt.event {
				t.Errorf("Expected event %q, got %q", tt.event, got.Event)
			}
			if tt.data != nil {
				var back interface{}
				if err := got.Decode(&back); err != nil {
					t.Fatalf("Failed to decode payload: %v", err)
				}
			}
		})
	}
}

func TestSealedRoundTrip(t *testing.T) {
	codec := createTestCodec(t, "correct horse battery staple")
	if !codec.Encrypted() {
		t.Fatal("Expected sealed codec")
	}

	msg := createTestMessage(t, "secret", map[string]string{"payload": "classified"})
	frame, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	// The frame must be the envelope, not the message
	if bytes.Contains(frame, []byte("secret")) || bytes.Contains(frame, []byte("classified")) {
		t.Error("Sealed frame leaks plaintext")
	}

	var env map[string]string
	if err := json.Unmarshal(bytes.TrimRight(frame, "\n"), &env); err != nil {
		t.Fatalf("Envelope is not valid JSON: %v", err)
	}
	for _, key := range []string{"iv", "tag", "ct"} {
		if _, ok := env[key]; !ok {
			t.Errorf("Envelope missing %q field", key)
		}
	}

	got, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if got.Event != "secret" {
		t.Errorf("Expected event %q, got %q", "secret", got.Event)
	}
	var data map[string]string
	if err := got.Decode(&data); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if data["payload"] != "classified" {
		t.Errorf("Expected payload %q, got %q", "classified", data["payload"])
	}
}

func TestSealedEnvelopeShape(t *testing.T) {
	codec := createTestCodec(t, "password")
	msg := createTestMessage(t, "x", nil)

	frame, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(bytes.TrimRight(frame, "\n"), &env); err != nil {
		t.Fatalf("Failed to parse envelope: %v", err)
	}
	if len(env.IV) != NonceSize {
		t.Errorf("Expected %d byte nonce, got %d", NonceSize, len(env.IV))
	}
	if len(env.Tag) != TagSize {
		t.Errorf("Expected %d byte tag, got %d", TagSize, len(env.Tag))
	}
	if len(env.CT) == 0 {
		t.Error("Expected non-empty ciphertext")
	}
}

func TestSealedNonceUniqueness(t *testing.T) {
	codec := createTestCodec(t, "password")
	msg := createTestMessage(t, "same", "payload")

	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		frame, err := codec.Encode(msg)
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}
		var env envelope
		if err := json.Unmarshal(bytes.TrimRight(frame, "\n"), &env); err != nil {
			t.Fatalf("Failed to parse envelope: %v", err)
		}
		iv := string(env.IV)
		if seen[iv] {
			t.Fatal("Nonce reused across frames")
		}
		seen[iv] = true
	}
}

func TestSealedTamperDetection(t *testing.T) {
	codec := createTestCodec(t, "password")
	msg := createTestMessage(t, "payload", map[string]int{"n": 1})

	frame, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(bytes.TrimRight(frame, "\n"), &env); err != nil {
		t.Fatalf("Failed to parse envelope: %v", err)
	}

	corrupt := func(t *testing.T, mutate func(e *envelope)) {
		t.Helper()

		tampered := envelope{
			IV:  append([]byte(nil), env.IV...),
			Tag: append([]byte(nil), env.Tag...),
			CT:  append([]byte(nil), env.CT...),
		}
		mutate(&tampered)

		line, err := json.Marshal(tampered)
		if err != nil {
			t.Fatalf("Failed to re-encode envelope: %v", err)
		}

		_, err = codec.Decode(append(line, '\n'))
		if err == nil {
			t.Fatal("Expected decode to fail on tampered frame")
		}
		if !types.IsErrCode(err, types.ErrCodeAuthFailed) {
			t.Errorf("Expected AUTH_FAILED, got %v", err)
		}
	}

	t.Run("flip ciphertext bit", func(t *testing.T) {
		corrupt(t, func(e *envelope) { e.CT[0] ^= 0x01 })
	})
	t.Run("flip tag bit", func(t *testing.T) {
		corrupt(t, func(e *envelope) { e.Tag[TagSize-1] ^= 0x80 })
	})
	t.Run("flip nonce bit", func(t *testing.T) {
		corrupt(t, func(e *envelope) { e.IV[5] ^= 0x10 })
	})
	t.Run("truncate ciphertext", func(t *testing.T) {
		corrupt(t, func(e *envelope) { e.CT = e.CT[:len(e.CT)-1] })
	})
}

func TestMismatchedKeys(t *testing.T) {
	alice := createTestCodec(t, "password one")
	bob := createTestCodec(t, "password two")

	msg := createTestMessage(t, "hello", "from alice")
	frame, err := alice.Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	// Every decode attempt fails authentication; none may panic
	for i := 0; i < 3; i++ {
		_, err := bob.Decode(frame)
		if err == nil {
			t.Fatal("Expected decode to fail with mismatched keys")
		}
		if !types.IsErrCode(err, types.ErrCodeAuthFailed) {
			t.Errorf("Expected AUTH_FAILED, got %v", err)
		}
	}

	// The other direction fails the same way
	frame, err = bob.Encode(createTestMessage(t, "hello", "from bob"))
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if _, err := alice.Decode(frame); !types.IsErrCode(err, types.ErrCodeAuthFailed) {
		t.Errorf("Expected AUTH_FAILED, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	plain := createTestCodec(t, "")
	sealed := createTestCodec(t, "password")

	tests := []struct {
		name  string
		codec *Codec
		line  string
	}{
		{"not json", plain, "not json at all\n"},
		{"truncated json", plain, `{"event":"x`+ "\n"},
		{"missing event", plain, `{"data":42}` + "\n"},
		{"empty line", plain, "\n"},
		{"array not object", plain, `[1,2,3]` + "\n"},
		{"not json sealed", sealed, "garbage\n"},
		{"plain message to sealed codec", sealed, `{"event":"x","data":1}` + "\n"},
		{"wrong field types", sealed, `{"iv":5,"tag":true,"ct":{}}` + "\n"},
		{"short nonce", sealed, `{"iv":"AAAA","tag":"AAAAAAAAAAAAAAAAAAAAAA==","ct":"AA=="}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.Decode([]byte(tt.line))
			if err == nil {
				t.Fatal("Expected decode to fail")
			}
			if !types.IsErrCode(err, types.ErrCodeProtocol) {
				t.Errorf("Expected PROTOCOL, got %v", err)
			}
		})
	}
}

func TestSealedFrameToPlaintextCodec(t *testing.T) {
	sealed := createTestCodec(t, "password")
	plain := createTestCodec(t, "")

	frame, err := sealed.Encode(createTestMessage(t, "x", 1))
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	// Envelope JSON parses as a message with no event name
	_, err = plain.Decode(frame)
	if err == nil {
		t.Fatal("Expected decode to fail")
	}
	if !types.IsErrCode(err, types.ErrCodeProtocol) {
		t.Errorf("Expected PROTOCOL, got %v", err)
	}
}

func TestNewCodecKeyLength(t *testing.T) {
	if _, err := NewCodec([]byte("short")); err == nil {
		t.Error("Expected error for short key")
	}
	if _, err := NewCodec(make([]byte, 64)); err == nil {
		t.Error("Expected error for long key")
	}
	if _, err := NewCodec(make([]byte, KeySize)); err != nil {
		t.Errorf("Expected 32-byte key to be accepted: %v", err)
	}
}

func TestDecoderSplitFrames(t *testing.T) {
	codec := createTestCodec(t, "")

	var stream bytes.Buffer
	events := []string{"first", "second", "third"}
	for _, event := range events {
		frame, err := codec.Encode(createTestMessage(t, event, map[string]string{"e": event}))
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}
		stream.Write(frame)
	}

	// One byte per read forces reassembly across arbitrary boundaries
	dec := NewDecoder(iotest.OneByteReader(&stream), codec, DefaultMaxFrameSize)

	for _, want := range events {
		msg, err := dec.Next()
		if err != nil {
			t.Fatalf("Failed to read frame: %v", err)
		}
		if msg.Event != want {
			t.Errorf("Expected event %q, got %q", want, msg.Event)
		}
	}

	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF after last frame, got %v", err)
	}
}

func TestDecoderCoalescedFrames(t *testing.T) {
	codec := createTestCodec(t, "")

	// Two frames delivered in a single read
	var stream bytes.Buffer
	for _, event := range []string{"a", "b"} {
		frame, _ := codec.Encode(createTestMessage(t, event, nil))
		stream.Write(frame)
	}

	dec := NewDecoder(&stream, codec, DefaultMaxFrameSize)
	for _, want := range []string{"a", "b"} {
		msg, err := dec.Next()
		if err != nil {
			t.Fatalf("Failed to read frame: %v", err)
		}
		if msg.Event != want {
			t.Errorf("Expected event %q, got %q", want, msg.Event)
		}
	}
}

func TestDecoderSkipsEmptyLines(t *testing.T) {
	codec := createTestCodec(t, "")
	frame, _ := codec.Encode(createTestMessage(t, "real", nil))

	stream := strings.NewReader("\n\r\n" + string(frame))
	dec := NewDecoder(stream, codec, DefaultMaxFrameSize)

	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	if msg.Event != "real" {
		t.Errorf("Expected event %q, got %q", "real", msg.Event)
	}
}

func TestDecoderFrameTooLarge(t *testing.T) {
	codec := createTestCodec(t, "")
	stream := strings.NewReader(strings.Repeat("a", MinFrameSize+1))

	dec := NewDecoder(stream, codec, MinFrameSize)
	_, err := dec.Next()
	if err == nil {
		t.Fatal("Expected error for oversize frame")
	}
	if !types.IsErrCode(err, types.ErrCodeProtocol) {
		t.Errorf("Expected PROTOCOL, got %v", err)
	}
}

func TestDecoderSealedStream(t *testing.T) {
	codec := createTestCodec(t, "shared password")

	var stream bytes.Buffer
	for i := 0; i < 5; i++ {
		frame, err := codec.Encode(createTestMessage(t, "seq", map[string]int{"i": i}))
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}
		stream.Write(frame)
	}

	dec := NewDecoder(iotest.HalfReader(&stream), codec, DefaultMaxFrameSize)
	for i := 0; i < 5; i++ {
		msg, err := dec.Next()
		if err != nil {
			t.Fatalf("Failed to read frame %d: %v", i, err)
		}
		var data map[string]int
		if err := msg.Decode(&data); err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}
		if data["i"] != i {
			t.Errorf("Expected sequence %d, got %d", i, data["i"])
		}
	}
}
