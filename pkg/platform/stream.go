package platform

import "github.com/go-drift/cvsession/pkg/errors"

// Stream is a typed view of an EventChannel. Every listener receives every
// parsed event; events that fail to parse are reported and skipped.
type Stream[T any] struct {
	eventChannel *EventChannel
	op           string
	parser       func(data any) (T, error)
}

// Listen subscribes handler and returns a function that unsubscribes it.
// Parse failures and stream errors are reported through errors.Report under
// the stream's op.
func (s *Stream[T]) Listen(handler func(T)) (unsubscribe func()) {
	sub := s.eventChannel.Listen(EventHandler{
		OnEvent: func(data any) {
			val, err := s.parser(data)
			if err != nil {
				errors.Report(&errors.OpError{
					Op:      s.op + ".parse",
					Kind:    errors.KindParsing,
					Channel: s.eventChannel.Name(),
					Err:     err,
				})
				return
			}
			handler(val)
		},
		OnError: func(err error) {
			errors.Report(&errors.OpError{
				Op:      s.op + ".streamError",
				Kind:    errors.KindPlatform,
				Channel: s.eventChannel.Name(),
				Err:     err,
			})
		},
	})
	return sub.Cancel
}

// NewStream wraps channel. op prefixes reported errors.
func NewStream[T any](op string, channel *EventChannel, parser func(data any) (T, error)) *Stream[T] {
	return &Stream[T]{
		eventChannel: channel,
		op:           op,
		parser:       parser,
	}
}
