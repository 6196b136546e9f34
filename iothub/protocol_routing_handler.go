package iothub

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
)

// ProtocolRoutingDelegatingHandler opens the first transport that works, trying the configured
// settings in order. Only timeouts, socket errors and hub communication errors move it on to
// the next setting.
type ProtocolRoutingDelegatingHandler struct {
	*DefaultDelegatingHandler

	lock    sync.Mutex
	chooser *transportChooser
	current DelegatingHandler
}

// NewProtocolRoutingDelegatingHandler returns a handler routing over pipeline.TransportSettings.
func NewProtocolRoutingDelegatingHandler(pipeline *PipelineContext) *ProtocolRoutingDelegatingHandler {
	return &ProtocolRoutingDelegatingHandler{
		DefaultDelegatingHandler: NewDefaultDelegatingHandler(pipeline, nil),
		chooser:                  newTransportChooser(pipeline.TransportSettings),
	}
}

// isRoutingTransient reports whether err, or any error joined into it, justifies trying the
// next transport.
func isRoutingTransient(err error) bool {
	if err == nil {
		return false
	}
	if typed, ok := err.(*Error); ok {
		switch typed.Code {
		case TimedOutError, NetworkError, CommunicationError:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isSocketError(err) {
		return true
	}
	switch wrapped := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range wrapped.Unwrap() {
			if isRoutingTransient(inner) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return isRoutingTransient(wrapped.Unwrap())
	}
	return false
}

// Current returns the transport handler selected by the last Open, or nil.
func (handler *ProtocolRoutingDelegatingHandler) Current() DelegatingHandler {
	handler.lock.Lock()
	defer handler.lock.Unlock()
	return handler.current
}

func (handler *ProtocolRoutingDelegatingHandler) selected() (DelegatingHandler, error) {
	if handler.IsDisposed() {
		return nil, NewError(DisposedError, "pipeline handler has been disposed")
	}
	current := handler.Current()
	if current == nil {
		return nil, NewError(InvalidOperationError, "no transport is open")
	}
	return current, nil
}

// Open tries each transport setting until one opens.
func (handler *ProtocolRoutingDelegatingHandler) Open(ctx context.Context) error {
	if handler.IsDisposed() {
		return NewError(DisposedError, "pipeline handler has been disposed")
	}
	_ = handler.closeCurrent(ctx)
	handler.chooser.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return WrapError(CanceledError, err, "open canceled")
		}
		settings, ok := handler.chooser.Current()
		if !ok {
			last := handler.chooser.Err()
			return WrapError(CommunicationError, last, "no configured transport could be opened")
		}

		transport, err := handler.pipeline.newTransportHandler(settings)
		if err != nil {
			return err
		}
		handler.logger().Debug("opening transport", "device_id", handler.pipeline.Identity.DeviceID, "transport", settings.Type.String())

		err = transport.Open(ctx)
		if err == nil {
			handler.chooser.ReportSuccess()
			handler.lock.Lock()
			handler.current = transport
			handler.lock.Unlock()
			return nil
		}

		_ = transport.Close(ctx)
		transport.Dispose()
		if !isRoutingTransient(err) {
			return err
		}

		handler.chooser.ReportFailure(err)
		handler.pipeline.metrics().fellBack(settings.Type)
		handler.logger().Warn("transport failed to open, trying next", "device_id", handler.pipeline.Identity.DeviceID, "transport", settings.Type.String(), "error", err)
	}
}

func (handler *ProtocolRoutingDelegatingHandler) closeCurrent(ctx context.Context) error {
	handler.lock.Lock()
	current := handler.current
	handler.current = nil
	handler.lock.Unlock()
	if current == nil {
		return nil
	}
	err := current.Close(ctx)
	current.Dispose()
	return err
}

// Close closes and releases the selected transport.
func (handler *ProtocolRoutingDelegatingHandler) Close(ctx context.Context) error {
	if handler.IsDisposed() {
		return NewError(DisposedError, "pipeline handler has been disposed")
	}
	return handler.closeCurrent(ctx)
}

// Dispose disposes the selected transport.
func (handler *ProtocolRoutingDelegatingHandler) Dispose() {
	if !handler.disposed.CompareAndSwap(false, true) {
		return
	}
	handler.lock.Lock()
	current := handler.current
	handler.current = nil
	handler.lock.Unlock()
	if current != nil {
		current.Dispose()
	}
}

func (handler *ProtocolRoutingDelegatingHandler) WaitForTransportClosed(ctx context.Context) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.WaitForTransportClosed(ctx)
}

func (handler *ProtocolRoutingDelegatingHandler) SendEvent(ctx context.Context, message *Message) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.SendEvent(ctx, message)
}

func (handler *ProtocolRoutingDelegatingHandler) SendEvents(ctx context.Context, messages []*Message) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.SendEvents(ctx, messages)
}

func (handler *ProtocolRoutingDelegatingHandler) EnableReceiveMessage(ctx context.Context) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.EnableReceiveMessage(ctx)
}

func (handler *ProtocolRoutingDelegatingHandler) DisableReceiveMessage(ctx context.Context) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.DisableReceiveMessage(ctx)
}

func (handler *ProtocolRoutingDelegatingHandler) ReceiveMessage(ctx context.Context) (*Message, error) {
	current, err := handler.selected()
	if err != nil {
		return nil, err
	}
	return current.ReceiveMessage(ctx)
}

func (handler *ProtocolRoutingDelegatingHandler) Complete(ctx context.Context, lockToken string) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.Complete(ctx, lockToken)
}

func (handler *ProtocolRoutingDelegatingHandler) Abandon(ctx context.Context, lockToken string) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.Abandon(ctx, lockToken)
}

func (handler *ProtocolRoutingDelegatingHandler) Reject(ctx context.Context, lockToken string) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.Reject(ctx, lockToken)
}

func (handler *ProtocolRoutingDelegatingHandler) EnableMethods(ctx context.Context) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.EnableMethods(ctx)
}

func (handler *ProtocolRoutingDelegatingHandler) DisableMethods(ctx context.Context) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.DisableMethods(ctx)
}

func (handler *ProtocolRoutingDelegatingHandler) SendMethodResponse(ctx context.Context, response *MethodResponse) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.SendMethodResponse(ctx, response)
}

func (handler *ProtocolRoutingDelegatingHandler) EnableTwinPatch(ctx context.Context) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.EnableTwinPatch(ctx)
}

func (handler *ProtocolRoutingDelegatingHandler) DisableTwinPatch(ctx context.Context) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.DisableTwinPatch(ctx)
}

func (handler *ProtocolRoutingDelegatingHandler) SendTwinGet(ctx context.Context) (*Twin, error) {
	current, err := handler.selected()
	if err != nil {
		return nil, err
	}
	return current.SendTwinGet(ctx)
}

func (handler *ProtocolRoutingDelegatingHandler) SendTwinPatch(ctx context.Context, reported TwinCollection) (int64, error) {
	current, err := handler.selected()
	if err != nil {
		return 0, err
	}
	return current.SendTwinPatch(ctx, reported)
}

func (handler *ProtocolRoutingDelegatingHandler) EnableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.EnableEventReceive(ctx, isAnEdgeModule)
}

func (handler *ProtocolRoutingDelegatingHandler) DisableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.DisableEventReceive(ctx, isAnEdgeModule)
}

func (handler *ProtocolRoutingDelegatingHandler) GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error) {
	current, err := handler.selected()
	if err != nil {
		return nil, err
	}
	return current.GetFileUploadSASURI(ctx, request)
}

func (handler *ProtocolRoutingDelegatingHandler) CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error {
	current, err := handler.selected()
	if err != nil {
		return err
	}
	return current.CompleteFileUpload(ctx, notification)
}
