package socket

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sockbus/sockbus/pkg/types"
	"github.com/sockbus/sockbus/pkg/wire"
)

func createTestCodec(t *testing.T, password string) *wire.Codec {
	t.Helper()

	codec, err := wire.NewCodec(wire.DeriveKey(password))
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}
	return codec
}

// createTestPair builds two connected sockets over an in-memory pipe and
// starts both read loops
func createTestPair(t *testing.T, aCfg, bCfg Config) (*Socket, *Socket) {
	t.Helper()

	aConn, bConn := net.Pipe()

	if aCfg.Codec == nil {
		aCfg.Codec = createTestCodec(t, "")
	}
	if bCfg.Codec == nil {
		bCfg.Codec = createTestCodec(t, "")
	}
	aCfg.Conn = aConn
	bCfg.Conn = bConn
	if aCfg.WriteTimeout == 0 {
		aCfg.WriteTimeout = 2 * time.Second
	}
	if bCfg.WriteTimeout == 0 {
		bCfg.WriteTimeout = 2 * time.Second
	}

	a, err := NewSocket(aCfg)
	if err != nil {
		t.Fatalf("Failed to create socket a: %v", err)
	}
	b, err := NewSocket(bCfg)
	if err != nil {
		t.Fatalf("Failed to create socket b: %v", err)
	}

	if err := a.Start(); err != nil {
		t.Fatalf("Failed to start socket a: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Failed to start socket b: %v", err)
	}

	t.Cleanup(func() {
		a.CloseWithError("test cleanup", nil)
		b.CloseWithError("test cleanup", nil)
		<-a.Done()
		<-b.Done()
	})

	return a, b
}

func TestEmitDelivers(t *testing.T) {
	a, b := createTestPair(t, Config{}, Config{})

	got := make(chan string, 1)
	b.OnFunc("greeting", func(ctx context.Context, s *Socket, msg types.Message) error {
		var text string
		if err := msg.Decode(&text); err != nil {
			return err
		}
		got <- text
		return nil
	})

	if err := a.Emit("greeting", "hello"); err != nil {
		t.Fatalf("Failed to emit: %v", err)
	}

	select {
	case text := <-got:
		if text != "hello" {
			t.Errorf("Expected hello, got %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Message not delivered")
	}
}

func TestDispatchOrder(t *testing.T) {
	a, b := createTestPair(t, Config{}, Config{})

	const count = 50
	var mu sync.Mutex
	var received []int
	done := make(chan struct{})

	b.OnFunc("seq", func(ctx context.Context, s *Socket, msg types.Message) error {
		var n int
		if err := msg.Decode(&n); err != nil {
			return err
		}
		mu.Lock()
		received = append(received, n)
		if len(received) == count {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 0; i < count; i++ {
		if err := a.Emit("seq", i); err != nil {
			t.Fatalf("Failed to emit %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Not all messages delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range received {
		if n != i {
			t.Fatalf("Out-of-order delivery at %d: got %d", i, n)
		}
	}
}

func TestHandlerOrderWithinEvent(t *testing.T) {
	a, b := createTestPair(t, Config{}, Config{})

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	b.OnFunc("evt", func(ctx context.Context, s *Socket, msg types.Message) error {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		return nil
	})
	b.OnFunc("evt", func(ctx context.Context, s *Socket, msg types.Message) error {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		close(done)
		return nil
	})

	if err := a.Emit("evt", nil); err != nil {
		t.Fatalf("Failed to emit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handlers not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected registration order, got %v", order)
	}
}

func TestCloseSendsDisconnectReason(t *testing.T) {
	closed := make(chan string, 1)
	a, _ := createTestPair(t, Config{}, Config{
		OnClosed: func(s *Socket, reason string) {
			closed <- reason
		},
	})

	if err := a.Close("going away"); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	select {
	case reason := <-closed:
		if reason != "going away" {
			t.Errorf("Expected reason %q, got %q", "going away", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Peer never observed the close")
	}

	if got := a.CloseReason(); got != "going away" {
		t.Errorf("Expected recorded reason %q, got %q", "going away", got)
	}
}

func TestClosedNotificationFiresOnce(t *testing.T) {
	var mu sync.Mutex
	count := 0
	a, _ := createTestPair(t, Config{
		OnClosed: func(s *Socket, reason string) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	}, Config{})

	a.Close("first")
	a.Close("second")
	a.CloseWithError("third", nil)
	<-a.Done()

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("Expected exactly one closed notification, got %d", count)
	}
}

func TestEmitAfterClose(t *testing.T) {
	a, _ := createTestPair(t, Config{}, Config{})

	a.Close("done")
	err := a.Emit("late", nil)
	if !types.IsErrCode(err, types.ErrCodeClosed) {
		t.Errorf("Expected CLOSED, got %v", err)
	}
	if a.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", a.State())
	}
}

func TestProtocolErrorClosesSocket(t *testing.T) {
	aConn, bConn := net.Pipe()
	defer aConn.Close()

	errCh := make(chan error, 4)
	closed := make(chan string, 1)
	b, err := NewSocket(Config{
		Conn:         bConn,
		Codec:        createTestCodec(t, ""),
		WriteTimeout: time.Second,
		OnError: func(s *Socket, err error) {
			errCh <- err
		},
		OnClosed: func(s *Socket, reason string) {
			closed <- reason
		},
	})
	if err != nil {
		t.Fatalf("Failed to create socket: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Failed to start socket: %v", err)
	}

	if _, err := aConn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("Failed to write garbage: %v", err)
	}

	select {
	case err := <-errCh:
		if !types.IsErrCode(err, types.ErrCodeProtocol) {
			t.Errorf("Expected PROTOCOL, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Protocol error not surfaced")
	}

	select {
	case reason := <-closed:
		if reason != "protocol error" {
			t.Errorf("Expected protocol error reason, got %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Socket not closed after protocol error")
	}
}

func TestAuthFailureDropsFrameKeepsSocket(t *testing.T) {
	errCh := make(chan error, 4)

	// Mismatched passwords: every frame fails authentication on decode
	a, b := createTestPair(t,
		Config{Codec: createTestCodec(t, "secret")},
		Config{
			Codec: createTestCodec(t, "wrong"),
			OnError: func(s *Socket, err error) {
				errCh <- err
			},
		})

	if err := a.Emit("echo", "hi"); err != nil {
		t.Fatalf("Failed to emit: %v", err)
	}

	select {
	case err := <-errCh:
		if !types.IsErrCode(err, types.ErrCodeAuthFailed) {
			t.Errorf("Expected AUTH_FAILED, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Auth failure not surfaced")
	}

	// The connection survives the dropped frame
	if b.State() != StateEstablished {
		t.Errorf("Expected established after auth failure, got %s", b.State())
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	errCh := make(chan error, 4)
	a, b := createTestPair(t, Config{}, Config{
		OnError: func(s *Socket, err error) {
			errCh <- err
		},
	})

	got := make(chan struct{}, 1)
	b.OnFunc("boom", func(ctx context.Context, s *Socket, msg types.Message) error {
		panic("handler bug")
	})
	b.OnFunc("boom", func(ctx context.Context, s *Socket, msg types.Message) error {
		got <- struct{}{}
		return nil
	})

	if err := a.Emit("boom", nil); err != nil {
		t.Fatalf("Failed to emit: %v", err)
	}

	select {
	case err := <-errCh:
		if !types.IsErrCode(err, types.ErrCodeInternal) {
			t.Errorf("Expected INTERNAL for panic, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Panic not surfaced")
	}

	// Later handlers still ran
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler after panicking one did not run")
	}
}

func TestBroadcastWithoutBroadcaster(t *testing.T) {
	a, _ := createTestPair(t, Config{}, Config{})

	err := a.Broadcast("news", 1)
	if !types.IsErrCode(err, types.ErrCodeInvalid) {
		t.Errorf("Expected INVALID, got %v", err)
	}
}

func TestBroadcastDelegates(t *testing.T) {
	a, _ := createTestPair(t, Config{}, Config{})

	var gotEvent string
	a.SetBroadcaster(func(event string, data interface{}) error {
		gotEvent = event
		return nil
	})

	if err := a.Broadcast("news", 1); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if gotEvent != "news" {
		t.Errorf("Expected news, got %q", gotEvent)
	}
}

func TestStats(t *testing.T) {
	a, b := createTestPair(t, Config{}, Config{})

	done := make(chan struct{}, 8)
	b.OnFunc("n", func(ctx context.Context, s *Socket, msg types.Message) error {
		done <- struct{}{}
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := a.Emit("n", i); err != nil {
			t.Fatalf("Failed to emit: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Message not delivered")
		}
	}

	if got := a.Stats().FramesOut; got != 3 {
		t.Errorf("Expected 3 frames out, got %d", got)
	}
	if got := b.Stats().FramesIn; got != 3 {
		t.Errorf("Expected 3 frames in, got %d", got)
	}
}

func TestConcurrentEmit(t *testing.T) {
	a, b := createTestPair(t, Config{}, Config{})

	const writers = 8
	const perWriter = 20

	var mu sync.Mutex
	seen := 0
	done := make(chan struct{})
	b.OnFunc("w", func(ctx context.Context, s *Socket, msg types.Message) error {
		mu.Lock()
		seen++
		if seen == writers*perWriter {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := a.Emit("w", fmt.Sprintf("%d-%d", w, i)); err != nil {
					t.Errorf("Emit failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Not all concurrent messages delivered")
	}
}

func TestHandshakeRoutesToOwner(t *testing.T) {
	handshake := make(chan types.SocketMeta, 1)
	a, b := createTestPair(t, Config{}, Config{
		OnHandshake: func(s *Socket, meta types.SocketMeta) {
			handshake <- meta
		},
	})

	// Handshake frames must not reach application handlers
	b.OnFunc(types.EventHandshake, func(ctx context.Context, s *Socket, msg types.Message) error {
		t.Error("Handshake dispatched to application handler")
		return nil
	})

	meta := types.SocketMeta{ID: types.GenerateID(), Username: "worker-1", Name: "Worker"}
	if err := a.Emit(types.EventHandshake, meta); err != nil {
		t.Fatalf("Failed to emit handshake: %v", err)
	}

	select {
	case got := <-handshake:
		if got.Username != "worker-1" {
			t.Errorf("Expected username worker-1, got %q", got.Username)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handshake not routed to owner")
	}
}
