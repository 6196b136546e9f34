// Package iothub provides a device and module client for an IoT hub, running every
// operation through a pipeline of delegating handlers:
//
//	GateKeeper -> ConnectionState -> Retry -> ExceptionRemapping -> ProtocolRouting -> transport
//
// The primary lifecycle is:
//   - construct a Client with NewClient
//   - Open it, explicitly or on first use when ClientOptions.ImplicitOpen is set
//   - send telemetry, answer direct methods, read and patch the twin, upload files
//   - Close or Dispose when finished
//
// The gate keeper shares one open attempt among concurrent callers and refuses work once the
// client is closed. The connection state handler watches the live transport, recovers it with
// the retry policy after a drop, and restores the method, twin, message and module event
// subscriptions. Status changes are reported through the ConnectionStatusChangeHandler.
//
// Transports are tried in the order given by ClientOptions.Transports. AMQP connections may be
// shared: clients authenticating with hub-level credentials share one reference-counted
// connection per hub, and device-scoped clients are multiplexed over at most MaxPoolSize
// connections of up to MaxDevicesPerConnection devices each. Idle pooled connections are closed
// after ConnectionIdleTimeout.
//
// AMQP frames and MQTT packets are encoded behind the AmqpConnector and MqttDialer interfaces.
// HTTP and the websocket byte streams are implemented here.
//
// Errors are *Error values carrying one of the error codes in errors.go. IsTransient reports
// the codes the retry handler repeats.
package iothub
