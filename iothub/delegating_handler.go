package iothub

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DelegatingHandler is one stage of the transport pipeline. Every stage exposes the full
// operation set and forwards what it does not handle to its inner stage.
type DelegatingHandler interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	WaitForTransportClosed(ctx context.Context) error

	SendEvent(ctx context.Context, message *Message) error
	SendEvents(ctx context.Context, messages []*Message) error

	EnableReceiveMessage(ctx context.Context) error
	DisableReceiveMessage(ctx context.Context) error
	ReceiveMessage(ctx context.Context) (*Message, error)
	Complete(ctx context.Context, lockToken string) error
	Abandon(ctx context.Context, lockToken string) error
	Reject(ctx context.Context, lockToken string) error

	EnableMethods(ctx context.Context) error
	DisableMethods(ctx context.Context) error
	SendMethodResponse(ctx context.Context, response *MethodResponse) error

	EnableTwinPatch(ctx context.Context) error
	DisableTwinPatch(ctx context.Context) error
	SendTwinGet(ctx context.Context) (*Twin, error)
	SendTwinPatch(ctx context.Context, reported TwinCollection) (int64, error)

	EnableEventReceive(ctx context.Context, isAnEdgeModule bool) error
	DisableEventReceive(ctx context.Context, isAnEdgeModule bool) error

	GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error)
	CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error

	Dispose()
}

// DefaultDelegatingHandler forwards every operation to its inner handler and refuses work once
// disposed.
type DefaultDelegatingHandler struct {
	pipeline *PipelineContext
	inner    DelegatingHandler
	disposed atomic.Bool
}

// NewDefaultDelegatingHandler returns a forwarding handler.
func NewDefaultDelegatingHandler(pipeline *PipelineContext, inner DelegatingHandler) *DefaultDelegatingHandler {
	return &DefaultDelegatingHandler{pipeline: pipeline, inner: inner}
}

// Context returns the pipeline context.
func (handler *DefaultDelegatingHandler) Context() *PipelineContext { return handler.pipeline }

// InnerHandler returns the next stage.
func (handler *DefaultDelegatingHandler) InnerHandler() DelegatingHandler { return handler.inner }

// SetInnerHandler replaces the next stage. Only valid before the pipeline is used.
func (handler *DefaultDelegatingHandler) SetInnerHandler(inner DelegatingHandler) {
	handler.inner = inner
}

// IsDisposed reports whether Dispose was called.
func (handler *DefaultDelegatingHandler) IsDisposed() bool { return handler.disposed.Load() }

func (handler *DefaultDelegatingHandler) checkDisposed() error {
	if handler.disposed.Load() {
		return NewError(DisposedError, "pipeline handler has been disposed")
	}
	if handler.inner == nil {
		return NewError(InvalidOperationError, "pipeline handler has no inner handler")
	}
	return nil
}

// Dispose marks the handler disposed and disposes the inner handler once.
func (handler *DefaultDelegatingHandler) Dispose() {
	if !handler.disposed.CompareAndSwap(false, true) {
		return
	}
	if handler.inner != nil {
		handler.inner.Dispose()
	}
}

func (handler *DefaultDelegatingHandler) logger() *slog.Logger {
	return handler.pipeline.logger()
}

func (handler *DefaultDelegatingHandler) Open(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.Open(ctx)
}

func (handler *DefaultDelegatingHandler) Close(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.Close(ctx)
}

func (handler *DefaultDelegatingHandler) WaitForTransportClosed(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.WaitForTransportClosed(ctx)
}

func (handler *DefaultDelegatingHandler) SendEvent(ctx context.Context, message *Message) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.SendEvent(ctx, message)
}

func (handler *DefaultDelegatingHandler) SendEvents(ctx context.Context, messages []*Message) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.SendEvents(ctx, messages)
}

func (handler *DefaultDelegatingHandler) EnableReceiveMessage(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.EnableReceiveMessage(ctx)
}

func (handler *DefaultDelegatingHandler) DisableReceiveMessage(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.DisableReceiveMessage(ctx)
}

func (handler *DefaultDelegatingHandler) ReceiveMessage(ctx context.Context) (*Message, error) {
	if err := handler.checkDisposed(); err != nil {
		return nil, err
	}
	return handler.inner.ReceiveMessage(ctx)
}

func (handler *DefaultDelegatingHandler) Complete(ctx context.Context, lockToken string) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.Complete(ctx, lockToken)
}

func (handler *DefaultDelegatingHandler) Abandon(ctx context.Context, lockToken string) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.Abandon(ctx, lockToken)
}

func (handler *DefaultDelegatingHandler) Reject(ctx context.Context, lockToken string) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.Reject(ctx, lockToken)
}

func (handler *DefaultDelegatingHandler) EnableMethods(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.EnableMethods(ctx)
}

func (handler *DefaultDelegatingHandler) DisableMethods(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.DisableMethods(ctx)
}

func (handler *DefaultDelegatingHandler) SendMethodResponse(ctx context.Context, response *MethodResponse) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.SendMethodResponse(ctx, response)
}

func (handler *DefaultDelegatingHandler) EnableTwinPatch(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.EnableTwinPatch(ctx)
}

func (handler *DefaultDelegatingHandler) DisableTwinPatch(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.DisableTwinPatch(ctx)
}

func (handler *DefaultDelegatingHandler) SendTwinGet(ctx context.Context) (*Twin, error) {
	if err := handler.checkDisposed(); err != nil {
		return nil, err
	}
	return handler.inner.SendTwinGet(ctx)
}

func (handler *DefaultDelegatingHandler) SendTwinPatch(ctx context.Context, reported TwinCollection) (int64, error) {
	if err := handler.checkDisposed(); err != nil {
		return 0, err
	}
	return handler.inner.SendTwinPatch(ctx, reported)
}

func (handler *DefaultDelegatingHandler) EnableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.EnableEventReceive(ctx, isAnEdgeModule)
}

func (handler *DefaultDelegatingHandler) DisableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.DisableEventReceive(ctx, isAnEdgeModule)
}

func (handler *DefaultDelegatingHandler) GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error) {
	if err := handler.checkDisposed(); err != nil {
		return nil, err
	}
	return handler.inner.GetFileUploadSASURI(ctx, request)
}

func (handler *DefaultDelegatingHandler) CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}
	return handler.inner.CompleteFileUpload(ctx, notification)
}

// sleepContext waits for delay or until ctx is done.
func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
