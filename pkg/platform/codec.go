// Package platform provides platform channel communication between Go and
// native code. The vision session uses it to ask the host for runtime
// permissions, to follow the host lifecycle, and to reach the native
// computer-vision service.
package platform

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// MessageCodec encodes and decodes messages for platform channel communication.
type MessageCodec interface {
	// Encode converts a Go value to bytes for transmission to native code.
	Encode(value any) ([]byte, error)

	// Decode converts bytes received from native code to a Go value.
	Decode(data []byte) (any, error)
}

// JsonCodec implements MessageCodec using JSON encoding.
// JSON prioritizes interoperability and minimal native dependencies.
type JsonCodec struct{}

// Encode serializes the value to JSON bytes.
func (c JsonCodec) Encode(value any) ([]byte, error) {
	return json.Marshal(value)
}

// Decode deserializes JSON bytes to a Go value.
func (c JsonCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("platform: CBOR encoder initialization failed: " + err.Error())
	}
	// Decoded maps must be map[string]any so the parse helpers treat CBOR
	// and JSON payloads the same way.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("platform: CBOR decoder initialization failed: " + err.Error())
	}
}

// CborCodec implements MessageCodec using CBOR encoding. It is more compact
// than JSON for high-rate detection streams.
type CborCodec struct{}

// Encode serializes the value to CBOR bytes.
func (c CborCodec) Encode(value any) ([]byte, error) {
	return cborEnc.Marshal(value)
}

// Decode deserializes CBOR bytes to a Go value.
func (c CborCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var result any
	if err := cborDec.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DefaultCodec is the codec used by platform channels unless SetCodec
// installs another one.
var DefaultCodec MessageCodec = JsonCodec{}

var (
	codecMu     sync.RWMutex
	activeCodec  MessageCodec = DefaultCodec
)

// SetCodec selects the codec used on every platform channel. Pass nil to
// restore DefaultCodec. Both sides of the bridge must agree on the codec.
func SetCodec(c MessageCodec) {
	codecMu.Lock()
	defer codecMu.Unlock()
	if c == nil {
		c = DefaultCodec
	}
	activeCodec = c
}

// CodecByName returns the codec registered under name ("json" or "cbor").
func CodecByName(name string) (MessageCodec, error) {
	switch name {
	case "", "json":
		return JsonCodec{}, nil
	case "cbor":
		return CborCodec{}, nil
	default:
		return nil, ErrUnknownCodec
	}
}

func codec() MessageCodec {
	codecMu.RLock()
	defer codecMu.RUnlock()
	return activeCodec
}

// Standard errors for platform channel operations.
var (
	// ErrChannelNotFound indicates the requested platform channel does not exist.
	ErrChannelNotFound = errors.New("platform channel not found")

	// ErrMethodNotFound indicates the method is not implemented on the native side.
	ErrMethodNotFound = errors.New("method not implemented")

	// ErrInvalidArguments indicates the arguments passed to the method were invalid.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrPlatformUnavailable indicates the platform feature is not available
	// (e.g., no bridge installed, service not present on the device).
	ErrPlatformUnavailable = errors.New("platform feature unavailable")

	// ErrUnknownCodec indicates an unsupported codec name.
	ErrUnknownCodec = errors.New("unknown codec")
)

// ChannelError represents an error returned from native code.
type ChannelError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *ChannelError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

// NewChannelError creates a new ChannelError with the given code and message.
func NewChannelError(code, message string) *ChannelError {
	return &ChannelError{Code: code, Message: message}
}
