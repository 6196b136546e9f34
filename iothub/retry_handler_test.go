package iothub

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func newRetryHandler(transport *fakeTransport, policy RetryPolicy) *RetryDelegatingHandler {
	pipeline := newTestPipeline(transport)
	pipeline.RetryPolicy = policy
	return NewRetryDelegatingHandler(pipeline, transport)
}

func TestRetryReplaysSeekableMessage(t *testing.T) {
	transport := newFakeTransport()
	var delivered [][]byte
	transport.sendFn = func(ctx context.Context, messages []*Message) error {
		body, err := messages[0].Bytes()
		if err != nil {
			return err
		}
		delivered = append(delivered, body)
		if len(delivered) == 1 {
			return NewError(NetworkError, "connection reset")
		}
		return nil
	}
	handler := newRetryHandler(transport, NewFixedDelayRetryPolicy(5, time.Millisecond, false))

	payload := []byte(`{"temperature":21.5}`)
	if err := handler.SendEvent(context.Background(), NewMessage(payload)); err != nil {
		t.Fatalf("expected send to succeed after one retry, got %v", err)
	}
	if attempts := transport.count("send"); attempts != 2 {
		t.Fatalf("expected exactly 2 inner send attempts, got %d", attempts)
	}
	if !bytes.Equal(delivered[0], payload) || !bytes.Equal(delivered[1], payload) {
		t.Fatalf("expected identical payloads on both attempts, got %q and %q", delivered[0], delivered[1])
	}
}

func TestRetryReplaysFromAnchoredPosition(t *testing.T) {
	transport := newFakeTransport()
	var delivered [][]byte
	transport.sendFn = func(ctx context.Context, messages []*Message) error {
		body, _ := messages[0].Bytes()
		delivered = append(delivered, body)
		if len(delivered) == 1 {
			return NewError(TimedOutError)
		}
		return nil
	}
	handler := newRetryHandler(transport, NewFixedDelayRetryPolicy(5, time.Millisecond, false))

	reader := bytes.NewReader([]byte("header:payload"))
	if _, err := reader.Seek(int64(len("header:")), io.SeekStart); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	if err := handler.SendEvent(context.Background(), NewMessageFromReader(reader)); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if string(delivered[1]) != "payload" {
		t.Fatalf("expected replay from the original position, got %q", delivered[1])
	}
}

func TestRetryRefusesPartiallyReadStream(t *testing.T) {
	transport := newFakeTransport()
	transport.sendFn = func(ctx context.Context, messages []*Message) error {
		buffer := make([]byte, 4)
		if _, err := messages[0].Read(buffer); err != nil {
			return err
		}
		return NewError(NetworkError, "connection reset")
	}
	handler := newRetryHandler(transport, NewFixedDelayRetryPolicy(5, time.Millisecond, false))

	message := NewMessageFromReader(&onceReader{reader: bytes.NewReader([]byte("streamed telemetry"))})
	if message.Seekable() {
		t.Fatalf("expected message body to be non-seekable")
	}
	err := handler.SendEvent(context.Background(), message)
	if ErrorCode(err) != NotSupportedError {
		t.Fatalf("expected NotSupportedError, got %v", err)
	}
	if attempts := transport.count("send"); attempts != 1 {
		t.Fatalf("expected exactly 1 inner send attempt, got %d", attempts)
	}
}

func TestRetryResendsUnreadNonSeekableStream(t *testing.T) {
	transport := newFakeTransport()
	transport.sendFn = func(ctx context.Context, messages []*Message) error {
		if transport.count("send") == 1 {
			return NewError(ServerBusyError)
		}
		_, err := messages[0].Bytes()
		return err
	}
	handler := newRetryHandler(transport, NewFixedDelayRetryPolicy(5, time.Millisecond, false))

	message := NewMessageFromReader(&onceReader{reader: bytes.NewReader([]byte("untouched"))})
	if err := handler.SendEvent(context.Background(), message); err != nil {
		t.Fatalf("expected unread stream to be sent again, got %v", err)
	}
	if attempts := transport.count("send"); attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryCanceledContextSkipsInnerCall(t *testing.T) {
	transport := newFakeTransport()
	handler := newRetryHandler(transport, DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := handler.SendEvent(ctx, NewMessage([]byte("x"))); !IsCanceled(err) {
		t.Fatalf("expected CanceledError, got %v", err)
	}
	if err := handler.Open(ctx); !IsCanceled(err) {
		t.Fatalf("expected CanceledError from open, got %v", err)
	}
	if transport.count("send") != 0 || transport.count("open") != 0 {
		t.Fatalf("expected no inner calls, got send=%d open=%d", transport.count("send"), transport.count("open"))
	}
}

func TestRetryStopsOnNonTransientError(t *testing.T) {
	transport := newFakeTransport()
	transport.openFn = func(ctx context.Context) error {
		return NewError(UnauthorizedError, "bad signature")
	}
	handler := newRetryHandler(transport, NewFixedDelayRetryPolicy(5, time.Millisecond, false))

	if err := handler.Open(context.Background()); ErrorCode(err) != UnauthorizedError {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if attempts := transport.count("open"); attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestRetryHonorsPolicyLimit(t *testing.T) {
	transport := newFakeTransport()
	transport.enableFn = func(ctx context.Context, name string) error {
		return NewError(ThrottlingError)
	}
	handler := newRetryHandler(transport, NewFixedDelayRetryPolicy(2, time.Millisecond, false))

	if err := handler.EnableMethods(context.Background()); ErrorCode(err) != ThrottlingError {
		t.Fatalf("expected ThrottlingError once retries are exhausted, got %v", err)
	}
	if attempts := transport.count("enable_methods"); attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryCanceledWhileWaiting(t *testing.T) {
	transport := newFakeTransport()
	transport.enableFn = func(ctx context.Context, name string) error {
		return NewError(NetworkError)
	}
	handler := newRetryHandler(transport, NewFixedDelayRetryPolicy(0, time.Hour, false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := handler.EnableTwinPatch(ctx)
	if !IsCanceled(err) {
		t.Fatalf("expected CanceledError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the deadline as cause, got %v", err)
	}
}

func TestRetrySetRetryPolicy(t *testing.T) {
	transport := newFakeTransport()
	transport.openFn = func(ctx context.Context) error {
		return NewError(NetworkError)
	}
	handler := newRetryHandler(transport, NewFixedDelayRetryPolicy(0, time.Millisecond, false))
	handler.SetRetryPolicy(nil)
	if _, ok := handler.RetryPolicy().(*NoRetryPolicy); !ok {
		t.Fatalf("expected nil policy to install NoRetryPolicy, got %T", handler.RetryPolicy())
	}
	if err := handler.Open(context.Background()); ErrorCode(err) != NetworkError {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if attempts := transport.count("open"); attempts != 1 {
		t.Fatalf("expected no retries, got %d attempts", attempts)
	}
}

func TestRetryCloseIsNotRetried(t *testing.T) {
	transport := newFakeTransport()
	handler := newRetryHandler(transport, DefaultRetryPolicy())
	if err := handler.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	handler.Dispose()
	if err := handler.SendEvent(context.Background(), NewMessage(nil)); !IsDisposed(err) {
		t.Fatalf("expected DisposedError after dispose, got %v", err)
	}
	if transport.disposed.Load() != 1 {
		t.Fatalf("expected dispose to reach the inner handler")
	}
}
