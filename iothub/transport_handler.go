package iothub

import (
	"context"
	"sync"
	"sync/atomic"
)

// SubscriptionTopic names a cloud-to-device feed a link can subscribe to.
type SubscriptionTopic int

const (
	TopicMethods SubscriptionTopic = iota
	TopicTwinPatch
	TopicMessages
	TopicModuleEvents
)

func (topic SubscriptionTopic) String() string {
	switch topic {
	case TopicMethods:
		return "methods"
	case TopicTwinPatch:
		return "twin_patch"
	case TopicMessages:
		return "messages"
	case TopicModuleEvents:
		return "module_events"
	}
	return "unknown"
}

// Link is a live protocol session for one device. Done is closed when the session ends; Err
// then returns nil for an orderly close and the failure otherwise.
type Link interface {
	SendEvents(ctx context.Context, messages []*Message) error
	Receive(ctx context.Context) (*Message, error)
	Settle(ctx context.Context, lockToken string, outcome MessageOutcome) error
	Subscribe(ctx context.Context, topic SubscriptionTopic) error
	Unsubscribe(ctx context.Context, topic SubscriptionTopic) error
	SendMethodResponse(ctx context.Context, response *MethodResponse) error
	GetTwin(ctx context.Context) (*Twin, error)
	PatchTwin(ctx context.Context, reported TwinCollection) (int64, error)
	Done() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
}

// FileUploader performs the file upload notifications of the hub.
type FileUploader interface {
	GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error)
	CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error
}

// LinkOpener opens a new Link.
type LinkOpener func(ctx context.Context) (Link, error)

// closeSignal is the transport-closed notification of one open generation. It fires once.
type closeSignal struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCloseSignal() *closeSignal {
	return &closeSignal{done: make(chan struct{})}
}

func (signal *closeSignal) fire(err error) {
	signal.once.Do(func() {
		signal.err = err
		close(signal.done)
	})
}

// TransportHandler is the terminal pipeline stage. It owns the live link and nothing else.
type TransportHandler struct {
	pipeline *PipelineContext
	settings TransportSettings
	opener   LinkOpener
	files    FileUploader

	lock     sync.Mutex
	link     Link
	signal   *closeSignal
	closing  bool
	watchers sync.WaitGroup
	disposed atomic.Bool
}

// NewTransportHandler creates the terminal handler for settings.Type.
func NewTransportHandler(pipeline *PipelineContext, settings TransportSettings) (DelegatingHandler, error) {
	var handler *TransportHandler
	var err error
	switch {
	case settings.Type.IsAmqp():
		handler, err = newAmqpTransportHandler(pipeline, settings)
	case settings.Type.IsMqtt():
		handler, err = newMqttTransportHandler(pipeline, settings)
	case settings.Type == TransportHTTP:
		handler, err = newHTTPTransportHandler(pipeline, settings)
	default:
		return nil, NewError(ArgumentError, "unsupported transport type "+settings.Type.String())
	}
	if err != nil {
		return nil, err
	}
	return handler, nil
}

// NewLinkTransportHandler returns a terminal handler opening links with opener. files serves
// the file upload operations and may be nil.
func NewLinkTransportHandler(pipeline *PipelineContext, settings TransportSettings, opener LinkOpener, files FileUploader) *TransportHandler {
	signal := newCloseSignal()
	signal.fire(nil)
	return &TransportHandler{
		pipeline: pipeline,
		settings: settings,
		opener:   opener,
		files:    files,
		signal:   signal,
	}
}

// Settings returns the transport settings the handler was built for.
func (handler *TransportHandler) Settings() TransportSettings {
	return handler.settings
}

func (handler *TransportHandler) precheck(ctx context.Context) error {
	if handler.disposed.Load() {
		return NewError(DisposedError, "transport handler has been disposed")
	}
	if err := ctx.Err(); err != nil {
		return WrapError(CanceledError, err)
	}
	return nil
}

func (handler *TransportHandler) currentLink(ctx context.Context) (Link, error) {
	if err := handler.precheck(ctx); err != nil {
		return nil, err
	}
	handler.lock.Lock()
	defer handler.lock.Unlock()
	if handler.link == nil {
		return nil, NewError(InvalidOperationError, "transport is not open")
	}
	return handler.link, nil
}

func (handler *TransportHandler) Open(ctx context.Context) error {
	if err := handler.precheck(ctx); err != nil {
		return err
	}
	handler.lock.Lock()
	if handler.link != nil {
		handler.lock.Unlock()
		return nil
	}
	handler.lock.Unlock()

	link, err := handler.opener(ctx)
	if err != nil {
		return err
	}

	handler.lock.Lock()
	defer handler.lock.Unlock()
	if handler.disposed.Load() {
		_ = link.Close(context.Background())
		return NewError(DisposedError, "transport handler has been disposed")
	}
	signal := newCloseSignal()
	handler.link = link
	handler.signal = signal
	handler.closing = false
	handler.watchers.Add(1)
	go handler.watch(link, signal)
	handler.pipeline.logger().Debug("transport open", "device_id", handler.pipeline.Identity.DeviceID, "transport", handler.settings.Type.String())
	return nil
}

// watch fires the generation's close signal when link ends.
func (handler *TransportHandler) watch(link Link, signal *closeSignal) {
	defer handler.watchers.Done()
	select {
	case <-link.Done():
	case <-signal.done:
		return
	}

	handler.lock.Lock()
	graceful := handler.closing
	owned := handler.link == link
	if owned {
		handler.link = nil
	}
	handler.lock.Unlock()
	if owned {
		// The session is gone but its resources are not.
		_ = link.Close(context.Background())
	}

	err := link.Err()
	if graceful {
		err = nil
	} else if err == nil {
		handler.pipeline.logger().Debug("transport closed gracefully", "device_id", handler.pipeline.Identity.DeviceID)
	}
	if err != nil {
		handler.pipeline.logger().Warn("transport disconnected", "device_id", handler.pipeline.Identity.DeviceID, "error", err)
	}
	signal.fire(err)
}

func (handler *TransportHandler) Close(ctx context.Context) error {
	if handler.disposed.Load() {
		return NewError(DisposedError, "transport handler has been disposed")
	}
	handler.lock.Lock()
	link := handler.link
	signal := handler.signal
	handler.link = nil
	handler.closing = true
	handler.lock.Unlock()

	if link == nil {
		return nil
	}
	err := link.Close(ctx)
	signal.fire(nil)
	return err
}

// WaitForTransportClosed waits for the close signal of the current open generation.
func (handler *TransportHandler) WaitForTransportClosed(ctx context.Context) error {
	if err := handler.precheck(ctx); err != nil {
		return err
	}
	handler.lock.Lock()
	signal := handler.signal
	handler.lock.Unlock()

	select {
	case <-signal.done:
		return signal.err
	case <-ctx.Done():
		return WrapError(CanceledError, ctx.Err())
	}
}

// Dispose closes the link and stops the watcher.
func (handler *TransportHandler) Dispose() {
	if !handler.disposed.CompareAndSwap(false, true) {
		return
	}
	handler.lock.Lock()
	link := handler.link
	signal := handler.signal
	handler.link = nil
	handler.closing = true
	handler.lock.Unlock()
	if link != nil {
		_ = link.Close(context.Background())
	}
	signal.fire(nil)
	handler.watchers.Wait()
}

func (handler *TransportHandler) SendEvent(ctx context.Context, message *Message) error {
	return handler.SendEvents(ctx, []*Message{message})
}

func (handler *TransportHandler) SendEvents(ctx context.Context, messages []*Message) error {
	link, err := handler.currentLink(ctx)
	if err != nil {
		return err
	}
	return link.SendEvents(ctx, messages)
}

func (handler *TransportHandler) subscribe(ctx context.Context, topic SubscriptionTopic, enabled bool) error {
	link, err := handler.currentLink(ctx)
	if err != nil {
		return err
	}
	if enabled {
		return link.Subscribe(ctx, topic)
	}
	return link.Unsubscribe(ctx, topic)
}

func (handler *TransportHandler) EnableReceiveMessage(ctx context.Context) error {
	return handler.subscribe(ctx, TopicMessages, true)
}

func (handler *TransportHandler) DisableReceiveMessage(ctx context.Context) error {
	return handler.subscribe(ctx, TopicMessages, false)
}

func (handler *TransportHandler) ReceiveMessage(ctx context.Context) (*Message, error) {
	link, err := handler.currentLink(ctx)
	if err != nil {
		return nil, err
	}
	return link.Receive(ctx)
}

func (handler *TransportHandler) settle(ctx context.Context, lockToken string, outcome MessageOutcome) error {
	if lockToken == "" {
		return NewError(ArgumentError, "lock token is required")
	}
	link, err := handler.currentLink(ctx)
	if err != nil {
		return err
	}
	return link.Settle(ctx, lockToken, outcome)
}

func (handler *TransportHandler) Complete(ctx context.Context, lockToken string) error {
	return handler.settle(ctx, lockToken, OutcomeComplete)
}

func (handler *TransportHandler) Abandon(ctx context.Context, lockToken string) error {
	return handler.settle(ctx, lockToken, OutcomeAbandon)
}

func (handler *TransportHandler) Reject(ctx context.Context, lockToken string) error {
	return handler.settle(ctx, lockToken, OutcomeReject)
}

func (handler *TransportHandler) EnableMethods(ctx context.Context) error {
	return handler.subscribe(ctx, TopicMethods, true)
}

func (handler *TransportHandler) DisableMethods(ctx context.Context) error {
	return handler.subscribe(ctx, TopicMethods, false)
}

func (handler *TransportHandler) SendMethodResponse(ctx context.Context, response *MethodResponse) error {
	if response == nil {
		return NewError(ArgumentError, "method response is required")
	}
	link, err := handler.currentLink(ctx)
	if err != nil {
		return err
	}
	return link.SendMethodResponse(ctx, response)
}

func (handler *TransportHandler) EnableTwinPatch(ctx context.Context) error {
	return handler.subscribe(ctx, TopicTwinPatch, true)
}

func (handler *TransportHandler) DisableTwinPatch(ctx context.Context) error {
	return handler.subscribe(ctx, TopicTwinPatch, false)
}

func (handler *TransportHandler) SendTwinGet(ctx context.Context) (*Twin, error) {
	link, err := handler.currentLink(ctx)
	if err != nil {
		return nil, err
	}
	return link.GetTwin(ctx)
}

func (handler *TransportHandler) SendTwinPatch(ctx context.Context, reported TwinCollection) (int64, error) {
	link, err := handler.currentLink(ctx)
	if err != nil {
		return 0, err
	}
	return link.PatchTwin(ctx, reported)
}

// EnableEventReceive subscribes edge modules to their module input events and every other
// identity to cloud-to-device messages.
func (handler *TransportHandler) EnableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	if isAnEdgeModule {
		return handler.subscribe(ctx, TopicModuleEvents, true)
	}
	return handler.subscribe(ctx, TopicMessages, true)
}

func (handler *TransportHandler) DisableEventReceive(ctx context.Context, isAnEdgeModule bool) error {
	if isAnEdgeModule {
		return handler.subscribe(ctx, TopicModuleEvents, false)
	}
	return handler.subscribe(ctx, TopicMessages, false)
}

func (handler *TransportHandler) fileUploader(ctx context.Context) (FileUploader, error) {
	if err := handler.precheck(ctx); err != nil {
		return nil, err
	}
	if handler.files == nil {
		return nil, NewError(NotSupportedError, "file upload is not available on "+handler.settings.Type.String())
	}
	return handler.files, nil
}

func (handler *TransportHandler) GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error) {
	files, err := handler.fileUploader(ctx)
	if err != nil {
		return nil, err
	}
	return files.GetFileUploadSASURI(ctx, request)
}

func (handler *TransportHandler) CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error {
	files, err := handler.fileUploader(ctx)
	if err != nil {
		return err
	}
	return files.CompleteFileUpload(ctx, notification)
}
