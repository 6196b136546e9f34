package iothub

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Message is a device-to-cloud or cloud-to-device message. The body is an opaque stream read
// at most once per send attempt.
type Message struct {
	MessageID       string
	CorrelationID   string
	UserID          string
	To              string
	ContentType     string
	ContentEncoding string
	InputName       string
	OutputName      string
	LockToken       string
	DeliveryCount   uint32
	EnqueuedTime    time.Time
	ExpiryTime      time.Time
	Properties      map[string]string

	body *messageBody
}

type messageBody struct {
	lock     sync.Mutex
	reader   io.Reader
	read     int64
	origin   int64
	anchored bool
}

// NewMessage returns a message with an in-memory, seekable body.
func NewMessage(body []byte) *Message {
	return NewMessageFromReader(bytes.NewReader(body))
}

// NewMessageFromReader returns a message reading its body from reader. Only bodies that also
// implement io.Seeker can be replayed after a partial read.
func NewMessageFromReader(reader io.Reader) *Message {
	if reader == nil {
		reader = bytes.NewReader(nil)
	}
	return &Message{
		MessageID:  xid.New().String(),
		Properties: make(map[string]string),
		body:       &messageBody{reader: reader},
	}
}

// Read reads from the message body.
func (message *Message) Read(buffer []byte) (int, error) {
	if message == nil || message.body == nil {
		return 0, io.EOF
	}
	body := message.body
	body.lock.Lock()
	defer body.lock.Unlock()
	count, err := body.reader.Read(buffer)
	body.read += int64(count)
	return count, err
}

// Bytes reads the remaining body.
func (message *Message) Bytes() ([]byte, error) {
	if message == nil {
		return nil, nil
	}
	return io.ReadAll(message)
}

// BytesRead returns how many body bytes were consumed since the last rewind.
func (message *Message) BytesRead() int64 {
	if message == nil || message.body == nil {
		return 0
	}
	message.body.lock.Lock()
	defer message.body.lock.Unlock()
	return message.body.read
}

// Seekable reports whether the body can be rewound.
func (message *Message) Seekable() bool {
	if message == nil || message.body == nil {
		return false
	}
	_, ok := message.body.reader.(io.Seeker)
	return ok
}

// anchor records the current body position as the replay origin.
func (message *Message) anchor() {
	if message == nil || message.body == nil {
		return
	}
	body := message.body
	body.lock.Lock()
	defer body.lock.Unlock()
	if body.anchored {
		return
	}
	body.anchored = true
	if seeker, ok := body.reader.(io.Seeker); ok {
		if position, err := seeker.Seek(0, io.SeekCurrent); err == nil {
			body.origin = position
		}
	}
	body.read = 0
}

// rewind prepares the body for another send attempt.
func (message *Message) rewind() error {
	if message == nil || message.body == nil {
		return nil
	}
	body := message.body
	body.lock.Lock()
	defer body.lock.Unlock()
	if body.read == 0 {
		return nil
	}
	seeker, ok := body.reader.(io.Seeker)
	if !ok {
		return NewError(NotSupportedError, "message body was partially read and cannot be rewound")
	}
	if _, err := seeker.Seek(body.origin, io.SeekStart); err != nil {
		return WrapError(NotSupportedError, err, "message body cannot be rewound")
	}
	body.read = 0
	return nil
}

// MessageOutcome is the settlement applied to a received message.
type MessageOutcome int

const (
	OutcomeComplete MessageOutcome = iota
	OutcomeAbandon
	OutcomeReject
)

// MethodRequest is a direct method invocation received from the cloud.
type MethodRequest struct {
	RequestID string
	Name      string
	Payload   []byte
}

// MethodResponse answers a MethodRequest.
type MethodResponse struct {
	RequestID string
	Status    int
	Payload   []byte
}

// TwinCollection is a set of desired or reported twin properties. Its encoding is left to the
// wire layer.
type TwinCollection map[string]interface{}

// Twin is the device twin document.
type Twin struct {
	Desired  TwinCollection
	Reported TwinCollection
	Version  int64
}

// FileUploadSASURIRequest asks the hub for a blob upload location.
type FileUploadSASURIRequest struct {
	BlobName string `json:"blobName"`
}

// FileUploadSASURIResponse is the blob upload location returned by the hub.
type FileUploadSASURIResponse struct {
	CorrelationID string `json:"correlationId"`
	HostName      string `json:"hostName"`
	ContainerName string `json:"containerName"`
	BlobName      string `json:"blobName"`
	SASToken      string `json:"sasToken"`
}

// FileUploadCompletionNotification reports the outcome of a blob upload.
type FileUploadCompletionNotification struct {
	CorrelationID     string `json:"correlationId"`
	IsSuccess         bool   `json:"isSuccess"`
	StatusCode        int    `json:"statusCode"`
	StatusDescription string `json:"statusDescription"`
}
