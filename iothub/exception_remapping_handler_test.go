package iothub

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
)

func TestRemapError(t *testing.T) {
	typed := NewError(QuotaExceededError, "quota")
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"canceled", context.Canceled, CanceledError},
		{"deadline", context.DeadlineExceeded, TimedOutError},
		{"socket deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), TimedOutError},
		{"net timeout", &netTimeoutError{}, TimedOutError},
		{"unknown authority", x509.UnknownAuthorityError{}, UnauthorizedError},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, NetworkError},
		{"dns", &net.DNSError{Err: "no such host", Name: "hub.example.net"}, NetworkError},
		{"reset", fmt.Errorf("write: %w", syscall.ECONNRESET), NetworkError},
		{"eof", io.EOF, NetworkError},
		{"unexpected eof", io.ErrUnexpectedEOF, NetworkError},
		{"closed", net.ErrClosed, NetworkError},
		{"websocket close", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, NetworkError},
		{"close sent", websocket.ErrCloseSent, NetworkError},
		{"other", errors.New("boom"), UnknownError},
		{"typed", typed, QuotaExceededError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := remapError(tt.err)
			if ErrorCode(err) != tt.want {
				t.Fatalf("expected %s, got %v", errorName(tt.want), err)
			}
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected the original error to stay reachable")
			}
		})
	}

	if remapError(nil) != nil {
		t.Fatalf("expected nil to stay nil")
	}
	if remapError(typed) != typed {
		t.Fatalf("expected a typed error to pass through unchanged")
	}
}

func TestRemappingHandlerMapsOperationErrors(t *testing.T) {
	transport := newFakeTransport()
	transport.sendFn = func(ctx context.Context, messages []*Message) error {
		return &net.OpError{Op: "write", Net: "tcp", Err: syscall.EPIPE}
	}
	transport.twinFn = func(ctx context.Context) (*Twin, error) {
		return nil, context.DeadlineExceeded
	}
	handler := NewExceptionRemappingDelegatingHandler(newTestPipeline(transport), transport)
	ctx := context.Background()

	if err := handler.SendEvent(ctx, NewMessage(nil)); ErrorCode(err) != NetworkError {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if _, err := handler.SendTwinGet(ctx); ErrorCode(err) != TimedOutError {
		t.Fatalf("expected TimedOutError, got %v", err)
	}
	if err := handler.Complete(ctx, "lock"); err != nil {
		t.Fatalf("expected success to stay nil, got %v", err)
	}
}

func TestRemappingHandlerHidesDropDuringClose(t *testing.T) {
	transport := newFakeTransport()
	handler := NewExceptionRemappingDelegatingHandler(newTestPipeline(transport), transport)
	ctx := context.Background()

	if err := handler.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	transport.drop(io.EOF)
	if err := handler.WaitForTransportClosed(ctx); ErrorCode(err) != NetworkError {
		t.Fatalf("expected an unexpected drop to surface as NetworkError, got %v", err)
	}

	if err := handler.Close(ctx); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	transport.drop(io.EOF)
	if err := handler.WaitForTransportClosed(ctx); err != nil {
		t.Fatalf("expected a drop during close to be reported as graceful, got %v", err)
	}

	if err := handler.Open(ctx); err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	transport.drop(io.EOF)
	if err := handler.WaitForTransportClosed(ctx); ErrorCode(err) != NetworkError {
		t.Fatalf("expected reopen to clear the closing flag, got %v", err)
	}
}
