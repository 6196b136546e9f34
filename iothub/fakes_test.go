package iothub

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport is a scriptable terminal handler. Dispose only records the call so the same
// instance can be reopened by the routing handler.
type fakeTransport struct {
	lock  sync.Mutex
	calls map[string]int

	openFn         func(ctx context.Context) error
	sendFn         func(ctx context.Context, messages []*Message) error
	enableFn       func(ctx context.Context, name string) error
	twinFn         func(ctx context.Context) (*Twin, error)
	methodResponse func(response *MethodResponse)

	drops    chan error
	disposed atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: make(map[string]int), drops: make(chan error, 1)}
}

func (transport *fakeTransport) record(name string) int {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	transport.calls[name]++
	return transport.calls[name]
}

func (transport *fakeTransport) count(name string) int {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	return transport.calls[name]
}

func (transport *fakeTransport) total() int {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	sum := 0
	for _, count := range transport.calls {
		sum += count
	}
	return sum
}

// drop makes the pending WaitForTransportClosed return err.
func (transport *fakeTransport) drop(err error) {
	transport.drops <- err
}

func (transport *fakeTransport) enable(ctx context.Context, name string) error {
	transport.record(name)
	if transport.enableFn != nil {
		return transport.enableFn(ctx, name)
	}
	return nil
}

func (transport *fakeTransport) Open(ctx context.Context) error {
	transport.record("open")
	if transport.openFn != nil {
		return transport.openFn(ctx)
	}
	return nil
}

func (transport *fakeTransport) Close(ctx context.Context) error {
	transport.record("close")
	return nil
}

func (transport *fakeTransport) WaitForTransportClosed(ctx context.Context) error {
	select {
	case err := <-transport.drops:
		return err
	case <-ctx.Done():
		return WrapError(CanceledError, ctx.Err())
	}
}

func (transport *fakeTransport) SendEvent(ctx context.Context, message *Message) error {
	return transport.SendEvents(ctx, []*Message{message})
}

func (transport *fakeTransport) SendEvents(ctx context.Context, messages []*Message) error {
	transport.record("send")
	if transport.sendFn != nil {
		return transport.sendFn(ctx, messages)
	}
	for _, message := range messages {
		if _, err := message.Bytes(); err != nil {
			return err
		}
	}
	return nil
}

func (transport *fakeTransport) EnableReceiveMessage(ctx context.Context) error {
	return transport.enable(ctx, "enable_messages")
}

func (transport *fakeTransport) DisableReceiveMessage(ctx context.Context) error {
	return transport.enable(ctx, "disable_messages")
}

func (transport *fakeTransport) ReceiveMessage(ctx context.Context) (*Message, error) {
	transport.record("receive")
	return nil, nil
}

func (transport *fakeTransport) Complete(ctx context.Context, lockToken string) error {
	transport.record("complete")
	return nil
}

func (transport *fakeTransport) Abandon(ctx context.Context, lockToken string) error {
	transport.record("abandon")
	return nil
}

func (transport *fakeTransport) Reject(ctx context.Context, lockToken string) error {
	transport.record("reject")
	return nil
}

func (transport *fakeTransport) EnableMethods(ctx context.Context) error {
	return transport.enable(ctx, "enable_methods")
}

func (transport *fakeTransport) DisableMethods(ctx context.Context) error {
	return transport.enable(ctx, "disable_methods")
}

func (transport *fakeTransport) SendMethodResponse(ctx context.Context, response *MethodResponse) error {
	transport.record("method_response")
	if transport.methodResponse != nil {
		transport.methodResponse(response)
	}
	return nil
}

func (transport *fakeTransport) EnableTwinPatch(ctx context.Context) error {
	return transport.enable(ctx, "enable_twin")
}

func (transport *fakeTransport) DisableTwinPatch(ctx context.Context) error {
	return transport.enable(ctx, "disable_twin")
}

func (transport *fakeTransport) SendTwinGet(ctx context.Context) (*Twin, error) {
	transport.record("twin_get")
	if transport.twinFn != nil {
		return transport.twinFn(ctx)
	}
	return &Twin{Desired: TwinCollection{}, Reported: TwinCollection{}}, nil
}

func (transport *fakeTransport) SendTwinPatch(ctx context.Context, reported TwinCollection) (int64, error) {
	return int64(transport.record("twin_patch")), nil
}

func (transport *fakeTransport) EnableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	return transport.enable(ctx, "enable_events")
}

func (transport *fakeTransport) DisableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	return transport.enable(ctx, "disable_events")
}

func (transport *fakeTransport) GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error) {
	transport.record("file_sas")
	return &FileUploadSASURIResponse{BlobName: request.BlobName}, nil
}

func (transport *fakeTransport) CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error {
	transport.record("file_complete")
	return nil
}

func (transport *fakeTransport) Dispose() {
	transport.disposed.Add(1)
}

func testIdentity() DeviceIdentity {
	return DeviceIdentity{HostName: "hub.example.net", DeviceID: "sensor-1"}
}

// newTestPipeline returns a pipeline context whose every transport setting is served by
// transport.
func newTestPipeline(transport *fakeTransport) *PipelineContext {
	return &PipelineContext{
		Identity:          testIdentity(),
		TransportSettings: []TransportSettings{NewTransportSettings(TransportMqttTCP)},
		RetryPolicy:       NewFixedDelayRetryPolicy(3, time.Millisecond, false),
		Logger:            discardLogger(),
		TransportHandlerFactory: func(pipeline *PipelineContext, settings TransportSettings) (DelegatingHandler, error) {
			return transport, nil
		},
	}
}

// statusRecorder collects connection status callbacks.
type statusRecorder struct {
	lock    sync.Mutex
	changes []ConnectionStatusInfo
}

func (recorder *statusRecorder) handle(status ConnectionStatus, reason ConnectionStatusChangeReason) {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	recorder.changes = append(recorder.changes, ConnectionStatusInfo{Status: status, Reason: reason})
}

func (recorder *statusRecorder) snapshot() []ConnectionStatusInfo {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	return append([]ConnectionStatusInfo(nil), recorder.changes...)
}

func (recorder *statusRecorder) last() (ConnectionStatusInfo, bool) {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	if len(recorder.changes) == 0 {
		return ConnectionStatusInfo{}, false
	}
	return recorder.changes[len(recorder.changes)-1], true
}

// onceReader hides the Seek method of its reader.
type onceReader struct {
	reader io.Reader
}

func (once *onceReader) Read(buffer []byte) (int, error) {
	return once.reader.Read(buffer)
}
