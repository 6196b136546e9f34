package iothub

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// TransportType selects the protocol and socket flavor of a terminal handler.
type TransportType int

const (
	TransportAmqpTCP TransportType = iota
	TransportAmqpWebSocket
	TransportMqttTCP
	TransportMqttWebSocket
	TransportHTTP
)

func (transport TransportType) String() string {
	switch transport {
	case TransportAmqpTCP:
		return "amqp"
	case TransportAmqpWebSocket:
		return "amqp_ws"
	case TransportMqttTCP:
		return "mqtt"
	case TransportMqttWebSocket:
		return "mqtt_ws"
	case TransportHTTP:
		return "http"
	}
	return fmt.Sprintf("TransportType(%d)", int(transport))
}

// ParseTransportType parses the names returned by TransportType.String.
func ParseTransportType(name string) (TransportType, error) {
	for _, transport := range []TransportType{TransportAmqpTCP, TransportAmqpWebSocket, TransportMqttTCP, TransportMqttWebSocket, TransportHTTP} {
		if transport.String() == name {
			return transport, nil
		}
	}
	return 0, NewError(ArgumentError, fmt.Sprintf("unknown transport %q", name))
}

// IsAmqp reports whether the transport speaks AMQP.
func (transport TransportType) IsAmqp() bool {
	return transport == TransportAmqpTCP || transport == TransportAmqpWebSocket
}

// IsMqtt reports whether the transport speaks MQTT.
func (transport TransportType) IsMqtt() bool {
	return transport == TransportMqttTCP || transport == TransportMqttWebSocket
}

// UsesWebSocket reports whether the transport tunnels through a websocket.
func (transport TransportType) UsesWebSocket() bool {
	return transport == TransportAmqpWebSocket || transport == TransportMqttWebSocket
}

const (
	// MaxDevicesPerConnection caps the devices multiplexed over one AMQP connection.
	MaxDevicesPerConnection = 995

	DefaultMaxPoolSize           = 100
	DefaultConnectionIdleTimeout = 2 * time.Minute
	DefaultOperationTimeout      = time.Minute
	DefaultOpenTimeout           = time.Minute
)

// AmqpConnectionPoolSettings configures AMQP connection multiplexing.
type AmqpConnectionPoolSettings struct {
	Pooling               bool
	MaxPoolSize           uint32
	ConnectionIdleTimeout time.Duration
}

// NewAmqpConnectionPoolSettings returns the default settings.
func NewAmqpConnectionPoolSettings() *AmqpConnectionPoolSettings {
	return &AmqpConnectionPoolSettings{
		Pooling:               false,
		MaxPoolSize:           DefaultMaxPoolSize,
		ConnectionIdleTimeout: DefaultConnectionIdleTimeout,
	}
}

// Equals reports whether both settings are non-nil and have identical fields.
func (settings *AmqpConnectionPoolSettings) Equals(other *AmqpConnectionPoolSettings) bool {
	if settings == nil || other == nil {
		return false
	}
	return settings.Pooling == other.Pooling &&
		settings.MaxPoolSize == other.MaxPoolSize &&
		settings.ConnectionIdleTimeout == other.ConnectionIdleTimeout
}

// Validate checks field ranges.
func (settings *AmqpConnectionPoolSettings) Validate() error {
	if settings == nil {
		return nil
	}
	if settings.MaxPoolSize == 0 {
		return NewError(ArgumentError, "MaxPoolSize must be greater than zero")
	}
	if settings.ConnectionIdleTimeout <= 0 {
		return NewError(ArgumentError, "ConnectionIdleTimeout must be positive")
	}
	return nil
}

// TransportSettings configures one terminal handler.
type TransportSettings struct {
	Type             TransportType
	OperationTimeout time.Duration
	OpenTimeout      time.Duration
	TLSConfig        *tls.Config
	Proxy            func(*http.Request) (*url.URL, error)
	PrefetchCount    uint32
	AmqpPool         *AmqpConnectionPoolSettings
}

// NewTransportSettings returns settings with default timeouts for transport.
func NewTransportSettings(transport TransportType) TransportSettings {
	settings := TransportSettings{
		Type:             transport,
		OperationTimeout: DefaultOperationTimeout,
		OpenTimeout:      DefaultOpenTimeout,
	}
	if transport.IsAmqp() {
		settings.PrefetchCount = 50
		settings.AmqpPool = NewAmqpConnectionPoolSettings()
	}
	return settings
}

func (settings TransportSettings) operationTimeout() time.Duration {
	if settings.OperationTimeout > 0 {
		return settings.OperationTimeout
	}
	return DefaultOperationTimeout
}

func (settings TransportSettings) openTimeout() time.Duration {
	if settings.OpenTimeout > 0 {
		return settings.OpenTimeout
	}
	return DefaultOpenTimeout
}

func (settings TransportSettings) poolSettings() *AmqpConnectionPoolSettings {
	if settings.AmqpPool != nil {
		return settings.AmqpPool
	}
	return NewAmqpConnectionPoolSettings()
}
