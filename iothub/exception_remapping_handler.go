package iothub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/gorilla/websocket"
)

// ExceptionRemappingDelegatingHandler converts raw transport and runtime errors into *Error
// values and hides the transport close notification while an orderly close is running.
type ExceptionRemappingDelegatingHandler struct {
	*DefaultDelegatingHandler

	closing atomic.Bool
}

// NewExceptionRemappingDelegatingHandler returns a new ExceptionRemappingDelegatingHandler.
func NewExceptionRemappingDelegatingHandler(pipeline *PipelineContext, inner DelegatingHandler) *ExceptionRemappingDelegatingHandler {
	return &ExceptionRemappingDelegatingHandler{DefaultDelegatingHandler: NewDefaultDelegatingHandler(pipeline, inner)}
}

// remapError maps err onto the public error codes. Errors that already carry a code pass
// through unchanged.
func remapError(err error) error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return WrapError(CanceledError, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return WrapError(TimedOutError, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WrapError(TimedOutError, err)
	}

	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var certificateInvalid x509.CertificateInvalidError
	var certificateVerification *tls.CertificateVerificationError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &certificateInvalid) || errors.As(err, &certificateVerification) {
		return WrapError(UnauthorizedError, err, "TLS authentication failed")
	}

	if isSocketError(err) {
		return WrapError(NetworkError, err)
	}

	return WrapError(UnknownError, err)
}

// isSocketError reports whether err comes from the network connection itself: dial and DNS
// failures, resets, or a stream or websocket that ended.
func isSocketError(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	var errno syscall.Errno
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &opErr),
		errors.As(err, &dnsErr),
		errors.As(err, &errno),
		errors.As(err, &closeErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, websocket.ErrCloseSent):
		return true
	}
	return false
}

func (handler *ExceptionRemappingDelegatingHandler) Open(ctx context.Context) error {
	handler.closing.Store(false)
	return remapError(handler.DefaultDelegatingHandler.Open(ctx))
}

func (handler *ExceptionRemappingDelegatingHandler) Close(ctx context.Context) error {
	handler.closing.Store(true)
	return remapError(handler.DefaultDelegatingHandler.Close(ctx))
}

// WaitForTransportClosed reports a close that happens during Close as graceful.
func (handler *ExceptionRemappingDelegatingHandler) WaitForTransportClosed(ctx context.Context) error {
	err := handler.DefaultDelegatingHandler.WaitForTransportClosed(ctx)
	if err != nil && handler.closing.Load() && ctx.Err() == nil {
		return nil
	}
	return remapError(err)
}

func (handler *ExceptionRemappingDelegatingHandler) SendEvent(ctx context.Context, message *Message) error {
	return remapError(handler.DefaultDelegatingHandler.SendEvent(ctx, message))
}

func (handler *ExceptionRemappingDelegatingHandler) SendEvents(ctx context.Context, messages []*Message) error {
	return remapError(handler.DefaultDelegatingHandler.SendEvents(ctx, messages))
}

func (handler *ExceptionRemappingDelegatingHandler) EnableReceiveMessage(ctx context.Context) error {
	return remapError(handler.DefaultDelegatingHandler.EnableReceiveMessage(ctx))
}

func (handler *ExceptionRemappingDelegatingHandler) DisableReceiveMessage(ctx context.Context) error {
	return remapError(handler.DefaultDelegatingHandler.DisableReceiveMessage(ctx))
}

func (handler *ExceptionRemappingDelegatingHandler) ReceiveMessage(ctx context.Context) (*Message, error) {
	message, err := handler.DefaultDelegatingHandler.ReceiveMessage(ctx)
	return message, remapError(err)
}

func (handler *ExceptionRemappingDelegatingHandler) Complete(ctx context.Context, lockToken string) error {
	return remapError(handler.DefaultDelegatingHandler.Complete(ctx, lockToken))
}

func (handler *ExceptionRemappingDelegatingHandler) Abandon(ctx context.Context, lockToken string) error {
	return remapError(handler.DefaultDelegatingHandler.Abandon(ctx, lockToken))
}

func (handler *ExceptionRemappingDelegatingHandler) Reject(ctx context.Context, lockToken string) error {
	return remapError(handler.DefaultDelegatingHandler.Reject(ctx, lockToken))
}

func (handler *ExceptionRemappingDelegatingHandler) EnableMethods(ctx context.Context) error {
	return remapError(handler.DefaultDelegatingHandler.EnableMethods(ctx))
}

func (handler *ExceptionRemappingDelegatingHandler) DisableMethods(ctx context.Context) error {
	return remapError(handler.DefaultDelegatingHandler.DisableMethods(ctx))
}

func (handler *ExceptionRemappingDelegatingHandler) SendMethodResponse(ctx context.Context, response *MethodResponse) error {
	return remapError(handler.DefaultDelegatingHandler.SendMethodResponse(ctx, response))
}

func (handler *ExceptionRemappingDelegatingHandler) EnableTwinPatch(ctx context.Context) error {
	return remapError(handler.DefaultDelegatingHandler.EnableTwinPatch(ctx))
}

func (handler *ExceptionRemappingDelegatingHandler) DisableTwinPatch(ctx context.Context) error {
	return remapError(handler.DefaultDelegatingHandler.DisableTwinPatch(ctx))
}

func (handler *ExceptionRemappingDelegatingHandler) SendTwinGet(ctx context.Context) (*Twin, error) {
	twin, err := handler.DefaultDelegatingHandler.SendTwinGet(ctx)
	return twin, remapError(err)
}

func (handler *ExceptionRemappingDelegatingHandler) SendTwinPatch(ctx context.Context, reported TwinCollection) (int64, error) {
	version, err := handler.DefaultDelegatingHandler.SendTwinPatch(ctx, reported)
	return version, remapError(err)
}

func (handler *ExceptionRemappingDelegatingHandler) EnableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	return remapError(handler.DefaultDelegatingHandler.EnableEventReceive(ctx, isAnEdgeModule))
}

func (handler *ExceptionRemappingDelegatingHandler) DisableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	return remapError(handler.DefaultDelegatingHandler.DisableEventReceive(ctx, isAnEdgeModule))
}

func (handler *ExceptionRemappingDelegatingHandler) GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error) {
	response, err := handler.DefaultDelegatingHandler.GetFileUploadSASURI(ctx, request)
	return response, remapError(err)
}

func (handler *ExceptionRemappingDelegatingHandler) CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error {
	return remapError(handler.DefaultDelegatingHandler.CompleteFileUpload(ctx, notification))
}
