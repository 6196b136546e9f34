package iothub

import (
	"context"
	"sync"
)

// ConnectionStateDelegatingHandler owns the connection and subscription state of the pipeline.
// After every successful open it waits on the inner WaitForTransportClosed; an unexpected close
// triggers a reopen followed by resubscription of every active subscription.
type ConnectionStateDelegatingHandler struct {
	*DefaultDelegatingHandler

	lock           sync.Mutex
	state          ClientTransportState
	lifetime       context.Context
	lifetimeCancel context.CancelFunc
	background     sync.WaitGroup

	statusLock     sync.Mutex
	status         ConnectionStatusInfo
	statusReported bool

	subscriptions subscriptionManager
}

// NewConnectionStateDelegatingHandler returns a new ConnectionStateDelegatingHandler.
func NewConnectionStateDelegatingHandler(pipeline *PipelineContext, inner DelegatingHandler) *ConnectionStateDelegatingHandler {
	lifetime, cancel := context.WithCancel(context.Background())
	cancel()
	return &ConnectionStateDelegatingHandler{
		DefaultDelegatingHandler: NewDefaultDelegatingHandler(pipeline, inner),
		state:                    StateClosed,
		lifetime:                 lifetime,
		lifetimeCancel:           cancel,
		status:                   ConnectionStatusInfo{Status: Disconnected, Reason: ConnectionOk},
	}
}

// State returns the current transport state.
func (handler *ConnectionStateDelegatingHandler) State() ClientTransportState {
	handler.lock.Lock()
	defer handler.lock.Unlock()
	return handler.state
}

// ConnectionStatus returns the last reported status and reason.
func (handler *ConnectionStateDelegatingHandler) ConnectionStatus() ConnectionStatusInfo {
	handler.statusLock.Lock()
	defer handler.statusLock.Unlock()
	return handler.status
}

func (handler *ConnectionStateDelegatingHandler) setStatus(status ConnectionStatus, reason ConnectionStatusChangeReason) {
	handler.statusLock.Lock()
	defer handler.statusLock.Unlock()

	next := ConnectionStatusInfo{Status: status, Reason: reason}
	if handler.statusReported && handler.status == next {
		return
	}
	handler.status = next
	handler.statusReported = true

	handler.pipeline.metrics().statusChanged(status, reason)
	handler.logger().Info("connection status changed", "device_id", handler.pipeline.Identity.DeviceID, "status", status.String(), "reason", reason.String())
	if callback := handler.pipeline.ConnectionStatusChangeHandler; callback != nil {
		callback(status, reason)
	}
}

func (handler *ConnectionStateDelegatingHandler) transition(action ClientStateAction) error {
	next, err := nextTransportState(handler.state, action)
	if err != nil {
		return err
	}
	handler.state = next
	return nil
}

// Open opens the inner pipeline and starts watching for transport loss.
func (handler *ConnectionStateDelegatingHandler) Open(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}

	handler.lock.Lock()
	if handler.state == StateOpen {
		handler.lock.Unlock()
		return nil
	}
	if err := handler.transition(ActionOpenStart); err != nil {
		handler.lock.Unlock()
		return err
	}
	lifetime, cancel := context.WithCancel(context.Background())
	handler.lifetime = lifetime
	handler.lifetimeCancel = cancel
	handler.lock.Unlock()

	operationCtx, release := linkContext(ctx, lifetime)
	err := handler.inner.Open(operationCtx)
	release()

	handler.lock.Lock()
	if err != nil {
		_ = handler.transition(ActionOpenFailure)
		handler.lock.Unlock()
		cancel()
		err = handler.outcome(ctx, lifetime, err)
		handler.reportFailure(err, false)
		return err
	}
	if handler.state != StateOpening {
		handler.lock.Unlock()
		return NewError(CanceledError, "client was closed while opening")
	}
	_ = handler.transition(ActionOpenSuccess)
	handler.background.Add(1)
	go handler.monitor(lifetime)
	handler.lock.Unlock()

	handler.setStatus(Connected, ConnectionOk)
	return nil
}

// monitor keeps one WaitForTransportClosed request outstanding for the lifetime of an open
// generation and recovers from unexpected closes.
func (handler *ConnectionStateDelegatingHandler) monitor(lifetime context.Context) {
	defer handler.background.Done()
	for {
		err := handler.inner.WaitForTransportClosed(lifetime)
		if lifetime.Err() != nil {
			return
		}
		if err == nil {
			handler.onClosedGracefully()
			return
		}
		if !handler.recover(lifetime, err) {
			return
		}
	}
}

func (handler *ConnectionStateDelegatingHandler) onClosedGracefully() {
	handler.lock.Lock()
	handler.state = StateClosed
	handler.lifetimeCancel()
	handler.lock.Unlock()
	handler.logger().Info("transport closed by the remote side", "device_id", handler.pipeline.Identity.DeviceID)
	handler.setStatus(Closed, ClientClose)
}

func (handler *ConnectionStateDelegatingHandler) recover(lifetime context.Context, cause error) bool {
	handler.lock.Lock()
	if err := handler.transition(ActionConnectionLost); err != nil {
		handler.lock.Unlock()
		return false
	}
	handler.lock.Unlock()

	if IsDeviceDisabled(cause) {
		handler.fail(cause)
		return false
	}

	handler.logger().Warn("transport disconnected unexpectedly, reconnecting", "device_id", handler.pipeline.Identity.DeviceID, "error", cause)
	handler.setStatus(DisconnectedRetrying, reasonForError(cause))

	// Open and every Enable call are retried by the inner retry handler.
	_ = handler.inner.Close(lifetime)
	err := handler.inner.Open(lifetime)
	if err == nil {
		err = handler.subscriptions.Resubscribe(lifetime, handler.inner)
	}
	if lifetime.Err() != nil {
		return false
	}
	if err != nil {
		handler.fail(err)
		return false
	}

	handler.lock.Lock()
	if err := handler.transition(ActionOpenSuccess); err != nil {
		handler.lock.Unlock()
		return false
	}
	handler.lock.Unlock()
	handler.setStatus(Connected, ConnectionOk)
	return true
}

func (handler *ConnectionStateDelegatingHandler) fail(err error) {
	handler.lock.Lock()
	_ = handler.transition(ActionError)
	handler.lock.Unlock()
	handler.logger().Error("connection could not be recovered", "device_id", handler.pipeline.Identity.DeviceID, "error", err)
	handler.reportFailure(err, true)
}

func (handler *ConnectionStateDelegatingHandler) reportFailure(err error, retried bool) {
	switch {
	case IsCanceled(err) || IsDisposed(err):
	case IsDeviceDisabled(err):
		handler.setStatus(Disabled, DeviceDisabledReason)
	case retried && IsTransient(err):
		handler.setStatus(Disconnected, RetryExpired)
	default:
		handler.setStatus(Disconnected, reasonForError(err))
	}
}

func (handler *ConnectionStateDelegatingHandler) onDeviceDisabled(err error) {
	handler.lock.Lock()
	if handler.state != StateOpen {
		handler.lock.Unlock()
		return
	}
	_ = handler.transition(ActionError)
	cancel := handler.lifetimeCancel
	handler.lock.Unlock()

	cancel()
	handler.background.Wait()
	_ = handler.inner.Close(context.Background())
	handler.logger().Error("device is disabled or deleted", "device_id", handler.pipeline.Identity.DeviceID, "error", err)
	handler.setStatus(Disabled, DeviceDisabledReason)
}

// Close cancels the transport watch and every in-flight operation, then closes the inner
// pipeline.
func (handler *ConnectionStateDelegatingHandler) Close(ctx context.Context) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}

	handler.lock.Lock()
	if err := handler.transition(ActionCloseStart); err != nil {
		handler.lock.Unlock()
		return err
	}
	cancel := handler.lifetimeCancel
	handler.lock.Unlock()

	cancel()
	handler.background.Wait()
	err := handler.inner.Close(ctx)

	handler.lock.Lock()
	_ = handler.transition(ActionCloseComplete)
	handler.lock.Unlock()
	handler.setStatus(Closed, ClientClose)
	return err
}

// Dispose cancels background work and disposes the pipeline.
func (handler *ConnectionStateDelegatingHandler) Dispose() {
	handler.lock.Lock()
	cancel := handler.lifetimeCancel
	handler.state = StateClosed
	handler.lock.Unlock()
	handler.DefaultDelegatingHandler.Dispose()
	cancel()
	handler.background.Wait()
}

// outcome maps an operation error so callers can tell a cancellation of theirs from a close
// or disposal of the client.
func (handler *ConnectionStateDelegatingHandler) outcome(ctx context.Context, lifetime context.Context, err error) error {
	if err == nil {
		return nil
	}
	if handler.IsDisposed() {
		return WrapError(DisposedError, err, "client was disposed while the operation was outstanding")
	}
	if ctx.Err() == nil && lifetime.Err() != nil {
		return WrapError(CanceledError, err, "client was closed while the operation was outstanding")
	}
	if ctx.Err() != nil && !IsCanceled(err) {
		return WrapError(CanceledError, ctx.Err())
	}
	return err
}

func (handler *ConnectionStateDelegatingHandler) operate(ctx context.Context, operation func(ctx context.Context) error) error {
	if err := handler.checkDisposed(); err != nil {
		return err
	}

	handler.lock.Lock()
	state := handler.state
	lifetime := handler.lifetime
	handler.lock.Unlock()
	if state != StateOpen {
		return NewError(InvalidOperationError, "client is not open (state "+state.String()+")")
	}

	operationCtx, release := linkContext(ctx, lifetime)
	err := operation(operationCtx)
	release()
	if err == nil {
		return nil
	}

	err = handler.outcome(ctx, lifetime, err)
	if IsDeviceDisabled(err) {
		handler.onDeviceDisabled(err)
	}
	return err
}

// linkContext returns a context canceled when either ctx or lifetime is done.
func linkContext(ctx context.Context, lifetime context.Context) (context.Context, context.CancelFunc) {
	linked, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(lifetime, cancel)
	return linked, func() {
		stop()
		cancel()
	}
}

func (handler *ConnectionStateDelegatingHandler) WaitForTransportClosed(ctx context.Context) error {
	return NewError(NotSupportedError, "the connection state handler consumes transport close notifications")
}

func (handler *ConnectionStateDelegatingHandler) SendEvent(ctx context.Context, message *Message) error {
	return handler.operate(ctx, func(ctx context.Context) error {
		return handler.inner.SendEvent(ctx, message)
	})
}

func (handler *ConnectionStateDelegatingHandler) SendEvents(ctx context.Context, messages []*Message) error {
	return handler.operate(ctx, func(ctx context.Context) error {
		return handler.inner.SendEvents(ctx, messages)
	})
}

func (handler *ConnectionStateDelegatingHandler) EnableReceiveMessage(ctx context.Context) error {
	err := handler.operate(ctx, handler.inner.EnableReceiveMessage)
	if err == nil {
		handler.subscriptions.set(subscriptionMessages, true)
	}
	return err
}

func (handler *ConnectionStateDelegatingHandler) DisableReceiveMessage(ctx context.Context) error {
	err := handler.operate(ctx, handler.inner.DisableReceiveMessage)
	if err == nil {
		handler.subscriptions.set(subscriptionMessages, false)
	}
	return err
}

func (handler *ConnectionStateDelegatingHandler) ReceiveMessage(ctx context.Context) (*Message, error) {
	var message *Message
	err := handler.operate(ctx, func(ctx context.Context) error {
		var err error
		message, err = handler.inner.ReceiveMessage(ctx)
		return err
	})
	return message, err
}

func (handler *ConnectionStateDelegatingHandler) Complete(ctx context.Context, lockToken string) error {
	return handler.operate(ctx, func(ctx context.Context) error {
		return handler.inner.Complete(ctx, lockToken)
	})
}

func (handler *ConnectionStateDelegatingHandler) Abandon(ctx context.Context, lockToken string) error {
	return handler.operate(ctx, func(ctx context.Context) error {
		return handler.inner.Abandon(ctx, lockToken)
	})
}

func (handler *ConnectionStateDelegatingHandler) Reject(ctx context.Context, lockToken string) error {
	return handler.operate(ctx, func(ctx context.Context) error {
		return handler.inner.Reject(ctx, lockToken)
	})
}

func (handler *ConnectionStateDelegatingHandler) EnableMethods(ctx context.Context) error {
	err := handler.operate(ctx, handler.inner.EnableMethods)
	if err == nil {
		handler.subscriptions.set(subscriptionMethods, true)
	}
	return err
}

func (handler *ConnectionStateDelegatingHandler) DisableMethods(ctx context.Context) error {
	err := handler.operate(ctx, handler.inner.DisableMethods)
	if err == nil {
		handler.subscriptions.set(subscriptionMethods, false)
	}
	return err
}

func (handler *ConnectionStateDelegatingHandler) SendMethodResponse(ctx context.Context, response *MethodResponse) error {
	return handler.operate(ctx, func(ctx context.Context) error {
		return handler.inner.SendMethodResponse(ctx, response)
	})
}

func (handler *ConnectionStateDelegatingHandler) EnableTwinPatch(ctx context.Context) error {
	err := handler.operate(ctx, handler.inner.EnableTwinPatch)
	if err == nil {
		handler.subscriptions.set(subscriptionTwinPatch, true)
	}
	return err
}

func (handler *ConnectionStateDelegatingHandler) DisableTwinPatch(ctx context.Context) error {
	err := handler.operate(ctx, handler.inner.DisableTwinPatch)
	if err == nil {
		handler.subscriptions.set(subscriptionTwinPatch, false)
	}
	return err
}

func (handler *ConnectionStateDelegatingHandler) SendTwinGet(ctx context.Context) (*Twin, error) {
	var twin *Twin
	err := handler.operate(ctx, func(ctx context.Context) error {
		var err error
		twin, err = handler.inner.SendTwinGet(ctx)
		return err
	})
	return twin, err
}

func (handler *ConnectionStateDelegatingHandler) SendTwinPatch(ctx context.Context, reported TwinCollection) (int64, error) {
	var version int64
	err := handler.operate(ctx, func(ctx context.Context) error {
		var err error
		version, err = handler.inner.SendTwinPatch(ctx, reported)
		return err
	})
	return version, err
}

func (handler *ConnectionStateDelegatingHandler) EnableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	err := handler.operate(ctx, func(ctx context.Context) error {
		return handler.inner.EnableEventReceive(ctx, isAnEdgeModule)
	})
	if err == nil {
		handler.subscriptions.setEvents(true, isAnEdgeModule)
	}
	return err
}

func (handler *ConnectionStateDelegatingHandler) DisableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	err := handler.operate(ctx, func(ctx context.Context) error {
		return handler.inner.DisableEventReceive(ctx, isAnEdgeModule)
	})
	if err == nil {
		handler.subscriptions.setEvents(false, isAnEdgeModule)
	}
	return err
}

func (handler *ConnectionStateDelegatingHandler) GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error) {
	var response *FileUploadSASURIResponse
	err := handler.operate(ctx, func(ctx context.Context) error {
		var err error
		response, err = handler.inner.GetFileUploadSASURI(ctx, request)
		return err
	})
	return response, err
}

func (handler *ConnectionStateDelegatingHandler) CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error {
	return handler.operate(ctx, func(ctx context.Context) error {
		return handler.inner.CompleteFileUpload(ctx, notification)
	})
}
