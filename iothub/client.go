package iothub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	methodNotFoundStatus = 501
	receivePollInterval  = time.Second
)

// MethodHandler answers one direct method invocation with a status and a payload.
type MethodHandler func(ctx context.Context, request *MethodRequest) (status int, payload []byte)

// DesiredPropertyUpdateCallback receives desired property patches.
type DesiredPropertyUpdateCallback func(patch TwinCollection)

// MessageHandler receives cloud-to-device or module input messages.
type MessageHandler func(message *Message)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Transports are tried in order on every open. Defaults to AMQP over TCP, then AMQP over
	// websockets.
	Transports []TransportSettings
	// RetryPolicy defaults to DefaultRetryPolicy.
	RetryPolicy RetryPolicy
	// ProductInfo is appended to the user agent.
	ProductInfo string
	Logger      *slog.Logger
	Metrics     *Metrics

	AuthProvider AuthenticationProvider

	// AmqpPool may be shared by clients to multiplex their AMQP connections. When nil the
	// client creates and owns a pool dialing through AmqpConnector.
	AmqpPool      *AmqpConnectionPool
	AmqpConnector AmqpConnector
	MqttDialer    MqttDialer
	ConnDialer    ConnDialer
	HTTPClient    *http.Client

	// TransportHandlerFactory replaces the built-in transports.
	TransportHandlerFactory TransportHandlerFactory
	// ImplicitOpen opens the client on the first operation instead of rejecting it.
	ImplicitOpen bool
}

func defaultTransports() []TransportSettings {
	return []TransportSettings{
		NewTransportSettings(TransportAmqpTCP),
		NewTransportSettings(TransportAmqpWebSocket),
	}
}

func (options ClientOptions) validate() error {
	if options.TransportHandlerFactory != nil {
		return nil
	}
	for _, settings := range options.Transports {
		switch {
		case settings.Type.IsAmqp():
			if options.AmqpPool == nil && options.AmqpConnector == nil {
				return NewError(ArgumentError, settings.Type.String()+" transport requires an AMQP connector or pool")
			}
			if err := settings.AmqpPool.Validate(); err != nil {
				return err
			}
		case settings.Type.IsMqtt():
			if options.MqttDialer == nil {
				return NewError(ArgumentError, settings.Type.String()+" transport requires an MQTT dialer")
			}
		case settings.Type == TransportHTTP:
		default:
			return NewError(ArgumentError, "unsupported transport type "+settings.Type.String())
		}
	}
	return nil
}

// Client is a device or module client for one identity. It is safe for concurrent use.
type Client struct {
	identity DeviceIdentity
	pipeline *PipelineContext
	handler  *GateKeeperDelegatingHandler
	state    *ConnectionStateDelegatingHandler
	retry    *RetryDelegatingHandler
	ownsPool bool

	statusHandler atomic.Pointer[ConnectionStatusChangeHandler]

	lock                 sync.Mutex
	methodHandlers       map[string]MethodHandler
	defaultMethodHandler MethodHandler
	methodsEnabled       bool
	desiredCallback      DesiredPropertyUpdateCallback
	inputHandlers        map[string]MessageHandler
	defaultInputHandler  MessageHandler
	eventsEnabled        bool
	receiveHandler       MessageHandler
	receiveCancel        context.CancelFunc

	dispatch       context.Context
	dispatchCancel context.CancelFunc
	dispatchers    sync.WaitGroup
}

// NewClient validates identity and options and builds the transport pipeline. The client
// starts closed.
func NewClient(identity DeviceIdentity, options ClientOptions) (*Client, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if len(options.Transports) == 0 {
		options.Transports = defaultTransports()
	}
	if err := options.validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device_id", identity.DeviceID)
	if identity.ModuleID != "" {
		logger = logger.With("module_id", identity.ModuleID)
	}

	client := &Client{
		identity:       identity,
		methodHandlers: make(map[string]MethodHandler),
		inputHandlers:  make(map[string]MessageHandler),
	}
	client.dispatch, client.dispatchCancel = context.WithCancel(context.Background())

	pool := options.AmqpPool
	if pool == nil && options.AmqpConnector != nil {
		pool = NewAmqpConnectionPool(options.AmqpConnector, logger, options.Metrics)
		client.ownsPool = true
	}

	client.pipeline = &PipelineContext{
		Identity:                      identity,
		TransportSettings:             options.Transports,
		RetryPolicy:                   options.RetryPolicy,
		ProductInfo:                   ProductInfo{Extra: options.ProductInfo},
		ConnectionStatusChangeHandler: client.onStatusChanged,
		Logger:                        logger,
		Metrics:                       options.Metrics,
		AuthProvider:                  options.AuthProvider,
		AmqpPool:                      pool,
		AmqpConnector:                 options.AmqpConnector,
		MqttDialer:                    options.MqttDialer,
		ConnDialer:                    options.ConnDialer,
		HTTPClient:                    options.HTTPClient,
		LinkHandlers: LinkHandlers{
			OnMethodRequest:        client.onMethodRequest,
			OnDesiredPropertyPatch: client.onDesiredPropertyPatch,
			OnModuleEvent:          client.onModuleEvent,
		},
		TransportHandlerFactory: options.TransportHandlerFactory,
		ImplicitOpen:            options.ImplicitOpen,
	}

	handler, err := BuildPipeline(client.pipeline)
	if err != nil {
		return nil, err
	}
	client.handler = handler
	client.state = handler.InnerHandler().(*ConnectionStateDelegatingHandler)
	client.retry = client.state.InnerHandler().(*RetryDelegatingHandler)
	return client, nil
}

// Identity returns the identity the client acts for.
func (client *Client) Identity() DeviceIdentity {
	return client.identity
}

// ProductInfo returns the user agent sent to the hub.
func (client *Client) ProductInfo() string {
	return client.pipeline.ProductInfo.String()
}

// Open connects the client. Concurrent calls share one attempt.
func (client *Client) Open(ctx context.Context) error {
	return client.handler.Open(ctx)
}

// Close disconnects the client. The client cannot be reopened.
func (client *Client) Close(ctx context.Context) error {
	client.stopDispatch()
	err := client.handler.Close(ctx)
	if client.ownsPool {
		client.pipeline.AmqpPool.Close()
	}
	return err
}

// Dispose tears the pipeline down immediately. Outstanding operations fail with DisposedError.
func (client *Client) Dispose() {
	client.stopDispatch()
	client.handler.Dispose()
	if client.ownsPool {
		client.pipeline.AmqpPool.Close()
	}
}

func (client *Client) stopDispatch() {
	client.lock.Lock()
	if client.receiveCancel != nil {
		client.receiveCancel()
		client.receiveCancel = nil
	}
	client.dispatchCancel()
	client.lock.Unlock()
	client.dispatchers.Wait()
}

// SetRetryPolicy replaces the retry policy for subsequent retries.
func (client *Client) SetRetryPolicy(policy RetryPolicy) {
	client.retry.SetRetryPolicy(policy)
}

// SetConnectionStatusChangeHandler installs handler, or removes it when nil.
func (client *Client) SetConnectionStatusChangeHandler(handler ConnectionStatusChangeHandler) {
	if handler == nil {
		client.statusHandler.Store(nil)
		return
	}
	client.statusHandler.Store(&handler)
}

// ConnectionStatus returns the last reported status and reason.
func (client *Client) ConnectionStatus() ConnectionStatusInfo {
	return client.state.ConnectionStatus()
}

func (client *Client) onStatusChanged(status ConnectionStatus, reason ConnectionStatusChangeReason) {
	if handler := client.statusHandler.Load(); handler != nil {
		(*handler)(status, reason)
	}
}

func (client *Client) SendEvent(ctx context.Context, message *Message) error {
	if message == nil {
		return NewError(ArgumentError, "message is required")
	}
	return client.handler.SendEvent(ctx, message)
}

func (client *Client) SendEventBatch(ctx context.Context, messages []*Message) error {
	if len(messages) == 0 {
		return NewError(ArgumentError, "at least one message is required")
	}
	for _, message := range messages {
		if message == nil {
			return NewError(ArgumentError, "batch contains a nil message")
		}
	}
	return client.handler.SendEvents(ctx, messages)
}

// ReceiveMessage waits for one cloud-to-device message. It returns nil when the transport
// reports that none is pending.
func (client *Client) ReceiveMessage(ctx context.Context) (*Message, error) {
	return client.handler.ReceiveMessage(ctx)
}

func (client *Client) Complete(ctx context.Context, lockToken string) error {
	return client.handler.Complete(ctx, lockToken)
}

func (client *Client) Abandon(ctx context.Context, lockToken string) error {
	return client.handler.Abandon(ctx, lockToken)
}

func (client *Client) Reject(ctx context.Context, lockToken string) error {
	return client.handler.Reject(ctx, lockToken)
}

// SetReceiveMessageHandler delivers cloud-to-device messages to handler from a background
// receive loop. A nil handler disables delivery.
func (client *Client) SetReceiveMessageHandler(ctx context.Context, handler MessageHandler) error {
	client.lock.Lock()
	defer client.lock.Unlock()

	if handler == nil {
		if client.receiveHandler == nil {
			return nil
		}
		if err := client.handler.DisableReceiveMessage(ctx); err != nil {
			return err
		}
		client.receiveHandler = nil
		if client.receiveCancel != nil {
			client.receiveCancel()
			client.receiveCancel = nil
		}
		return nil
	}

	if client.dispatch.Err() != nil {
		return NewError(DisposedError, "client has been closed")
	}
	if client.receiveHandler == nil {
		if err := client.handler.EnableReceiveMessage(ctx); err != nil {
			return err
		}
		loopCtx, cancel := context.WithCancel(client.dispatch)
		client.receiveCancel = cancel
		client.dispatchers.Add(1)
		go client.receiveLoop(loopCtx)
	}
	client.receiveHandler = handler
	return nil
}

func (client *Client) receiveLoop(ctx context.Context) {
	defer client.dispatchers.Done()
	for ctx.Err() == nil {
		message, err := client.handler.ReceiveMessage(ctx)
		if err != nil {
			if IsCanceled(err) || IsDisposed(err) || ctx.Err() != nil {
				return
			}
			client.pipeline.logger().Warn("receive failed", "error", err)
			if sleepContext(ctx, receivePollInterval) != nil {
				return
			}
			continue
		}
		if message == nil {
			if sleepContext(ctx, receivePollInterval) != nil {
				return
			}
			continue
		}

		client.lock.Lock()
		handler := client.receiveHandler
		client.lock.Unlock()
		if handler != nil {
			handler(message)
		}
	}
}

// SetMethodHandler routes invocations of method name to handler. A nil handler removes the
// route. Methods are enabled on the hub while any route or default handler exists.
func (client *Client) SetMethodHandler(ctx context.Context, name string, handler MethodHandler) error {
	if name == "" {
		return NewError(ArgumentError, "method name is required")
	}
	client.lock.Lock()
	defer client.lock.Unlock()
	previous, existed := client.methodHandlers[name]
	if handler == nil {
		delete(client.methodHandlers, name)
	} else {
		client.methodHandlers[name] = handler
	}
	if err := client.syncMethodsLocked(ctx); err != nil {
		if existed {
			client.methodHandlers[name] = previous
		} else {
			delete(client.methodHandlers, name)
		}
		return err
	}
	return nil
}

// SetMethodDefaultHandler handles invocations with no specific route.
func (client *Client) SetMethodDefaultHandler(ctx context.Context, handler MethodHandler) error {
	client.lock.Lock()
	defer client.lock.Unlock()
	previous := client.defaultMethodHandler
	client.defaultMethodHandler = handler
	if err := client.syncMethodsLocked(ctx); err != nil {
		client.defaultMethodHandler = previous
		return err
	}
	return nil
}

func (client *Client) syncMethodsLocked(ctx context.Context) error {
	wanted := len(client.methodHandlers) > 0 || client.defaultMethodHandler != nil
	if wanted == client.methodsEnabled {
		return nil
	}
	var err error
	if wanted {
		err = client.handler.EnableMethods(ctx)
	} else {
		err = client.handler.DisableMethods(ctx)
	}
	if err == nil {
		client.methodsEnabled = wanted
	}
	return err
}

func (client *Client) onMethodRequest(request *MethodRequest) {
	if request == nil {
		return
	}
	client.lock.Lock()
	handler, ok := client.methodHandlers[request.Name]
	if !ok {
		handler = client.defaultMethodHandler
	}
	if client.dispatch.Err() != nil {
		client.lock.Unlock()
		return
	}
	client.dispatchers.Add(1)
	client.lock.Unlock()

	go func() {
		defer client.dispatchers.Done()
		response := &MethodResponse{RequestID: request.RequestID, Status: methodNotFoundStatus}
		if handler != nil {
			response.Status, response.Payload = handler(client.dispatch, request)
		} else {
			response.Payload = []byte(`{"message":"method ` + request.Name + ` is not registered"}`)
		}
		if err := client.handler.SendMethodResponse(client.dispatch, response); err != nil && client.dispatch.Err() == nil {
			client.pipeline.logger().Warn("method response failed", "method", request.Name, "request_id", request.RequestID, "error", err)
		}
	}()
}

// SetDesiredPropertyUpdateCallback subscribes to desired property patches. A nil callback
// unsubscribes.
func (client *Client) SetDesiredPropertyUpdateCallback(ctx context.Context, callback DesiredPropertyUpdateCallback) error {
	client.lock.Lock()
	defer client.lock.Unlock()
	wasEnabled := client.desiredCallback != nil
	switch {
	case callback != nil && !wasEnabled:
		if err := client.handler.EnableTwinPatch(ctx); err != nil {
			return err
		}
	case callback == nil && wasEnabled:
		if err := client.handler.DisableTwinPatch(ctx); err != nil {
			return err
		}
	}
	client.desiredCallback = callback
	return nil
}

func (client *Client) onDesiredPropertyPatch(patch TwinCollection) {
	client.lock.Lock()
	callback := client.desiredCallback
	client.lock.Unlock()
	if callback != nil {
		callback(patch)
	}
}

// GetTwin retrieves the twin document.
func (client *Client) GetTwin(ctx context.Context) (*Twin, error) {
	return client.handler.SendTwinGet(ctx)
}

// UpdateReportedProperties patches the reported properties and returns the new version.
func (client *Client) UpdateReportedProperties(ctx context.Context, reported TwinCollection) (int64, error) {
	if reported == nil {
		return 0, NewError(ArgumentError, "reported properties are required")
	}
	return client.handler.SendTwinPatch(ctx, reported)
}

// SetInputMessageHandler routes module input messages arriving on input to handler. An empty
// input name sets the default handler. Only module identities can receive input messages.
func (client *Client) SetInputMessageHandler(ctx context.Context, input string, handler MessageHandler) error {
	if !client.identity.IsEdgeModule() {
		return NewError(InvalidOperationError, "input messages are only available to module identities")
	}
	client.lock.Lock()
	defer client.lock.Unlock()

	previousDefault := client.defaultInputHandler
	previous, existed := client.inputHandlers[input]
	if input == "" {
		client.defaultInputHandler = handler
	} else if handler == nil {
		delete(client.inputHandlers, input)
	} else {
		client.inputHandlers[input] = handler
	}

	if err := client.syncEventsLocked(ctx); err != nil {
		if input == "" {
			client.defaultInputHandler = previousDefault
		} else if existed {
			client.inputHandlers[input] = previous
		} else {
			delete(client.inputHandlers, input)
		}
		return err
	}
	return nil
}

func (client *Client) syncEventsLocked(ctx context.Context) error {
	wanted := len(client.inputHandlers) > 0 || client.defaultInputHandler != nil
	if wanted == client.eventsEnabled {
		return nil
	}
	var err error
	if wanted {
		err = client.handler.EnableEventReceive(ctx, true)
	} else {
		err = client.handler.DisableEventReceive(ctx, true)
	}
	if err == nil {
		client.eventsEnabled = wanted
	}
	return err
}

func (client *Client) onModuleEvent(input string, message *Message) {
	client.lock.Lock()
	handler, ok := client.inputHandlers[input]
	if !ok {
		handler = client.defaultInputHandler
	}
	client.lock.Unlock()
	if handler != nil {
		message.InputName = input
		handler(message)
	}
}

// GetFileUploadSASURI asks the hub where to upload a blob.
func (client *Client) GetFileUploadSASURI(ctx context.Context, request FileUploadSASURIRequest) (*FileUploadSASURIResponse, error) {
	if request.BlobName == "" {
		return nil, NewError(ArgumentError, "blob name is required")
	}
	return client.handler.GetFileUploadSASURI(ctx, request)
}

// CompleteFileUpload reports the outcome of a blob upload.
func (client *Client) CompleteFileUpload(ctx context.Context, notification FileUploadCompletionNotification) error {
	if notification.CorrelationID == "" {
		return NewError(ArgumentError, "correlation id is required")
	}
	return client.handler.CompleteFileUpload(ctx, notification)
}
