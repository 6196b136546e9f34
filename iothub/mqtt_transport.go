package iothub

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"time"
)

const (
	mqttTCPPort          = 8883
	webSocketPort        = 443
	mqttSubprotocol      = "mqtt"
	mqttAPIVersion       = "2021-04-12"
	defaultMqttKeepAlive = 4 * time.Minute
)

// MqttDialParams is everything an MQTT session needs to connect over conn.
type MqttDialParams struct {
	Identity  DeviceIdentity
	ClientID  string
	UserName  string
	Password  string
	KeepAlive time.Duration
	Conn      net.Conn
	Handlers  LinkHandlers
}

// MqttDialer starts an MQTT session. Packet encoding lives behind this interface.
type MqttDialer interface {
	Dial(ctx context.Context, params MqttDialParams) (Link, error)
}

// MqttDialerFunc adapts a function to MqttDialer.
type MqttDialerFunc func(ctx context.Context, params MqttDialParams) (Link, error)

func (dial MqttDialerFunc) Dial(ctx context.Context, params MqttDialParams) (Link, error) {
	return dial(ctx, params)
}

func newMqttTransportHandler(pipeline *PipelineContext, settings TransportSettings) (*TransportHandler, error) {
	if pipeline.MqttDialer == nil {
		return nil, NewError(ArgumentError, "MQTT transport requires an MQTT dialer")
	}
	opener := func(ctx context.Context) (Link, error) {
		return openMqttLink(ctx, pipeline, settings)
	}
	return NewLinkTransportHandler(pipeline, settings, opener, newHTTPFileUploader(pipeline, settings)), nil
}

func mqttConnDialer(pipeline *PipelineContext, settings TransportSettings) (ConnDialer, string) {
	host := pipeline.Identity.TargetHost()
	if pipeline.ConnDialer != nil {
		port := mqttTCPPort
		if settings.Type.UsesWebSocket() {
			port = webSocketPort
		}
		return pipeline.ConnDialer, net.JoinHostPort(host, strconv.Itoa(port))
	}

	config := &tls.Config{MinVersion: tls.VersionTLS12}
	if settings.TLSConfig != nil {
		config = settings.TLSConfig.Clone()
	}
	if config.ServerName == "" {
		config.ServerName = host
	}
	if settings.Type.UsesWebSocket() {
		return &WebSocketDialer{
			Subprotocol:      mqttSubprotocol,
			TLSConfig:        config,
			Proxy:            settings.Proxy,
			HandshakeTimeout: settings.openTimeout(),
		}, net.JoinHostPort(host, strconv.Itoa(webSocketPort))
	}
	return &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: settings.openTimeout()},
		Config:    config,
	}, net.JoinHostPort(host, strconv.Itoa(mqttTCPPort))
}

func mqttUserName(pipeline *PipelineContext) string {
	identity := pipeline.Identity
	query := url.Values{}
	query.Set("api-version", mqttAPIVersion)
	query.Set("DeviceClientType", pipeline.ProductInfo.String())
	return identity.HostName + "/" + deviceKeyFor(identity) + "/?" + query.Encode()
}

func openMqttLink(ctx context.Context, pipeline *PipelineContext, settings TransportSettings) (Link, error) {
	openCtx, cancel := context.WithTimeout(ctx, settings.openTimeout())
	defer cancel()

	password := ""
	if pipeline.AuthProvider != nil {
		token, err := pipeline.AuthProvider.GetToken(openCtx, pipeline.Identity.HostName)
		if err != nil {
			return nil, err
		}
		password = token
	}

	dialer, address := mqttConnDialer(pipeline, settings)
	conn, err := dialer.DialContext(openCtx, "tcp", address)
	if err != nil {
		return nil, err
	}

	link, err := pipeline.MqttDialer.Dial(openCtx, MqttDialParams{
		Identity:  pipeline.Identity,
		ClientID:  deviceKeyFor(pipeline.Identity),
		UserName:  mqttUserName(pipeline),
		Password:  password,
		KeepAlive: defaultMqttKeepAlive,
		Conn:      conn,
		Handlers:  pipeline.LinkHandlers,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return link, nil
}
