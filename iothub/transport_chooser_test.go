package iothub

import (
	"errors"
	"testing"
)

func TestTransportChooserWalksInOrder(t *testing.T) {
	chooser := newTransportChooser([]TransportSettings{
		NewTransportSettings(TransportAmqpTCP),
		NewTransportSettings(TransportAmqpWebSocket),
	})
	if current, ok := chooser.Current(); !ok || current.Type != TransportAmqpTCP {
		t.Fatalf("expected AMQP selected first, got %v", current.Type)
	}

	first := errors.New("refused")
	chooser.ReportFailure(first)
	if current, ok := chooser.Current(); !ok || current.Type != TransportAmqpWebSocket {
		t.Fatalf("expected rotation to AMQP over websocket, got %v", current.Type)
	}

	chooser.ReportFailure(errors.New("timeout"))
	if _, ok := chooser.Current(); ok {
		t.Fatalf("expected the walk to end after every setting failed")
	}
	if err := chooser.Err(); err == nil || err.Error() != "timeout" {
		t.Fatalf("expected the latest failure to be recorded, got %v", err)
	}

	chooser.Reset()
	if current, ok := chooser.Current(); !ok || current.Type != TransportAmqpTCP {
		t.Fatalf("expected reset to select the first setting, got %v", current.Type)
	}
	if chooser.Err() != nil {
		t.Fatalf("expected reset to clear the recorded failure")
	}
}

func TestTransportChooserReportSuccess(t *testing.T) {
	chooser := newTransportChooser([]TransportSettings{NewTransportSettings(TransportMqttTCP), NewTransportSettings(TransportHTTP)})
	chooser.ReportFailure(errors.New("refused"))
	chooser.ReportSuccess()
	if chooser.Err() != nil {
		t.Fatalf("expected success to clear the failure")
	}
	if current, ok := chooser.Current(); !ok || current.Type != TransportHTTP {
		t.Fatalf("expected success to keep the selected setting, got %v", current.Type)
	}
}

func TestTransportChooserEmptyAndNil(t *testing.T) {
	if _, ok := newTransportChooser(nil).Current(); ok {
		t.Fatalf("expected no setting from an empty chooser")
	}

	var chooser *transportChooser
	chooser.Reset()
	chooser.ReportFailure(errors.New("ignored"))
	chooser.ReportSuccess()
	if _, ok := chooser.Current(); ok || chooser.Err() != nil {
		t.Fatalf("expected a nil chooser to be inert")
	}
}

func TestTransportChooserCopiesSettings(t *testing.T) {
	settings := []TransportSettings{NewTransportSettings(TransportMqttTCP)}
	chooser := newTransportChooser(settings)
	settings[0].Type = TransportHTTP
	if current, _ := chooser.Current(); current.Type != TransportMqttTCP {
		t.Fatalf("expected the chooser to keep its own copy, got %v", current.Type)
	}
}
