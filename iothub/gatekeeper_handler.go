package iothub

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

const openFlightKey = "open"

// GateKeeperDelegatingHandler makes Open idempotent and single-flight and rejects every call
// once Close has run. When the pipeline allows implicit open, other operations open the
// pipeline on first use.
type GateKeeperDelegatingHandler struct {
	*DefaultDelegatingHandler

	flights    singleflight.Group
	innerOpens atomic.Int64
	opened     atomic.Bool
	closed     atomic.Bool
}

// NewGateKeeperDelegatingHandler returns a new GateKeeperDelegatingHandler.
func NewGateKeeperDelegatingHandler(pipeline *PipelineContext, inner DelegatingHandler) *GateKeeperDelegatingHandler {
	return &GateKeeperDelegatingHandler{DefaultDelegatingHandler: NewDefaultDelegatingHandler(pipeline, inner)}
}

func (handler *GateKeeperDelegatingHandler) closedError() error {
	return NewError(DisposedError, "client has been closed")
}

// Open opens the inner pipeline once. Concurrent callers share one inner Open; a failed or
// canceled attempt leaves the handler ready for a fresh attempt.
func (handler *GateKeeperDelegatingHandler) Open(ctx context.Context) error {
	return handler.open(ctx, true)
}

func (handler *GateKeeperDelegatingHandler) open(ctx context.Context, explicitOpen bool) error {
	if handler.closed.Load() || handler.IsDisposed() {
		return handler.closedError()
	}
	if handler.opened.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return WrapError(CanceledError, err, "open canceled")
	}

	// The shared attempt runs on the first caller's context.
	results := handler.flights.DoChan(openFlightKey, func() (interface{}, error) {
		if handler.opened.Load() {
			return nil, nil
		}
		handler.innerOpens.Add(1)
		handler.logger().Debug("opening pipeline", "device_id", handler.pipeline.Identity.DeviceID, "explicit", explicitOpen)
		if err := handler.inner.Open(ctx); err != nil {
			return nil, err
		}
		handler.opened.Store(true)
		return nil, nil
	})

	select {
	case result := <-results:
		if result.Err != nil {
			return result.Err
		}
		if handler.closed.Load() {
			return handler.closedError()
		}
		return nil
	case <-ctx.Done():
		return WrapError(CanceledError, ctx.Err(), "open canceled")
	}
}

func (handler *GateKeeperDelegatingHandler) ensureOpen(ctx context.Context) error {
	if handler.closed.Load() || handler.IsDisposed() {
		return handler.closedError()
	}
	if handler.opened.Load() || handler.pipeline == nil || !handler.pipeline.ImplicitOpen {
		return nil
	}
	return handler.open(ctx, false)
}

// Close closes the inner pipeline. Afterwards every call fails with DisposedError.
func (handler *GateKeeperDelegatingHandler) Close(ctx context.Context) error {
	if !handler.closed.CompareAndSwap(false, true) {
		return handler.closedError()
	}
	if handler.IsDisposed() {
		return nil
	}
	return handler.inner.Close(ctx)
}

// Dispose closes the gate and disposes the pipeline.
func (handler *GateKeeperDelegatingHandler) Dispose() {
	handler.closed.Store(true)
	handler.DefaultDelegatingHandler.Dispose()
}

// InnerOpenCount returns how many inner Open calls were issued.
func (handler *GateKeeperDelegatingHandler) InnerOpenCount() int64 {
	return handler.innerOpens.Load()
}

func (handler *GateKeeperDelegatingHandler) WaitForTransportClosed(ctx context.Context) error {
	if handler.closed.Load() {
		return handler.closedError()
	}
	return handler.DefaultDelegatingHandler.WaitForTransportClosed(ctx)
}

func (handler *GateKeeperDelegatingHandler) SendEvent(ctx context.Context, message *Message) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.SendEvent(ctx, message)
}

func (handler *GateKeeperDelegatingHandler) SendEvents(ctx context.Context, messages []*Message) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.SendEvents(ctx, messages)
}

func (handler *GateKeeperDelegatingHandler) EnableReceiveMessage(ctx context.Context) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.EnableReceiveMessage(ctx)
}

func (handler *GateKeeperDelegatingHandler) DisableReceiveMessage(ctx context.Context) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.DisableReceiveMessage(ctx)
}

func (handler *GateKeeperDelegatingHandler) ReceiveMessage(ctx context.Context) (*Message, error) {
	if err := handler.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return handler.DefaultDelegatingHandler.ReceiveMessage(ctx)
}

func (handler *GateKeeperDelegatingHandler) Complete(ctx context.Context, lockToken string) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.Complete(ctx, lockToken)
}

func (handler *GateKeeperDelegatingHandler) Abandon(ctx context.Context, lockToken string) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.Abandon(ctx, lockToken)
}

func (handler *GateKeeperDelegatingHandler) Reject(ctx context.Context, lockToken string) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.Reject(ctx, lockToken)
}

func (handler *GateKeeperDelegatingHandler) EnableMethods(ctx context.Context) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.EnableMethods(ctx)
}

func (handler *GateKeeperDelegatingHandler) DisableMethods(ctx context.Context) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.DisableMethods(ctx)
}

func (handler *GateKeeperDelegatingHandler) SendMethodResponse(ctx context.Context, response *MethodResponse) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.SendMethodResponse(ctx, response)
}

func (handler *GateKeeperDelegatingHandler) EnableTwinPatch(ctx context.Context) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.EnableTwinPatch(ctx)
}

func (handler *GateKeeperDelegatingHandler) DisableTwinPatch(ctx context.Context) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.DisableTwinPatch(ctx)
}

func (handler *GateKeeperDelegatingHandler) SendTwinGet(ctx context.Context) (*Twin, error) {
	if err := handler.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return handler.DefaultDelegatingHandler.SendTwinGet(ctx)
}

func (handler *GateKeeperDelegatingHandler) SendTwinPatch(ctx context.Context, reported TwinCollection) (int64, error) {
	if err := handler.ensureOpen(ctx); err != nil {
		return 0, err
	}
	return handler.DefaultDelegatingHandler.SendTwinPatch(ctx, reported)
}

func (handler *GateKeeperDelegatingHandler) EnableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.EnableEventReceive(ctx, isAnEdgeModule)
}

func (handler *GateKeeperDelegatingHandler) DisableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.DisableEventReceive(ctx, isAnEdgeModule)
}

func (handler *GateKeeperDelegatingHandler) GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error) {
	if err := handler.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return handler.DefaultDelegatingHandler.GetFileUploadSASURI(ctx, request)
}

func (handler *GateKeeperDelegatingHandler) CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error {
	if err := handler.ensureOpen(ctx); err != nil {
		return err
	}
	return handler.DefaultDelegatingHandler.CompleteFileUpload(ctx, notification)
}
