// Package rpcchannel implements a full-duplex, self-describing message
// channel over one connected stream socket: newline-delimited JSON frames
// of the form {"method": "...", "payload": ...}, dispatched to per-channel
// registered method handlers. There is no request/response correlation —
// either side may send at any time.
package rpcchannel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"sync"

	"github.com/SamP20/podmesh/internal/framing"
)

// ErrUnknownMethod is returned by Send when no handler is registered for the
// given method name.
var ErrUnknownMethod = errors.New("rpcchannel: unknown method")

// ErrWrongType is returned by Send when the payload does not match the type
// the method was registered with.
var ErrWrongType = errors.New("rpcchannel: payload does not match registered type")

// ErrBadPayload is the decode failure recorded for an inbound frame that is
// not a valid envelope, or whose payload cannot be unmarshalled into the
// registered type (an unknown inbound method is reported as
// ErrUnknownMethod). It never escapes the channel — Serve logs it and reads
// the next frame.
var ErrBadPayload = errors.New("rpcchannel: bad payload")

type methodEntry struct {
	payloadType reflect.Type
	dispatch    func(ch *Channel, raw json.RawMessage) error
}

// envelope is the wire shape of every frame: {"method": "...", "payload": ...}.
type envelope struct {
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload"`
}

// Channel is a full-duplex typed RPC channel over one net.Conn. Method
// registration is local to each Channel. A Channel is safe for concurrent
// Send calls from multiple goroutines; RegisterMethod must complete before
// Serve is started.
type Channel struct {
	conn   net.Conn
	reader *framing.Reader
	log    *slog.Logger

	methods map[string]methodEntry

	writeMu sync.Mutex
}

// New wraps conn in an unstarted Channel. Call RegisterMethod for each method
// before calling Serve.
func New(conn net.Conn, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		conn:    conn,
		reader:  framing.NewReader(conn),
		log:     logger.With("component", "rpcchannel", "remote", conn.RemoteAddr()),
		methods: make(map[string]methodEntry),
	}
}

// RegisterMethod associates a method name with a payload type T and a
// handler. It must be called before Serve starts the receive loop, and is
// not safe to call concurrently with Send/Serve.
func RegisterMethod[T any](ch *Channel, method string, handler func(ch *Channel, payload T)) {
	var zero T
	payloadType := reflect.TypeOf(zero)

	ch.methods[method] = methodEntry{
		payloadType: payloadType,
		dispatch: func(ch *Channel, raw json.RawMessage) error {
			// A plain json.Unmarshal ignores unknown wire fields by default,
			// matching spec. Types that must reject missing required fields
			// implement their own UnmarshalJSON (see overlay.Node).
			ptr := reflect.New(payloadType)
			if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
				return fmt.Errorf("%w: method %q: %v", ErrBadPayload, method, err)
			}
			handler(ch, ptr.Elem().Interface().(T))
			return nil
		},
	}
}

// Send serialises payload as the wire envelope for method and writes it,
// newline-terminated, to the underlying connection. It fails with
// ErrUnknownMethod if method was never registered, or ErrWrongType if
// payload's dynamic type does not match the type method was registered
// with. On either error, nothing is written to the socket.
func (ch *Channel) Send(method string, payload any) error {
	entry, ok := ch.methods[method]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if reflect.TypeOf(payload) != entry.payloadType {
		return fmt.Errorf("%w: method %q expects %s, got %T", ErrWrongType, method, entry.payloadType, payload)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rpcchannel: encoding payload for %q: %w", method, err)
	}
	frame, err := json.Marshal(envelope{Method: method, Payload: payloadJSON})
	if err != nil {
		return fmt.Errorf("rpcchannel: encoding envelope for %q: %w", method, err)
	}
	frame = append(frame, '\n')

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if _, err := ch.conn.Write(frame); err != nil {
		return fmt.Errorf("rpcchannel: writing frame for %q: %w", method, err)
	}
	return nil
}

// Serve runs the receive loop until EOF or a framing error, decoding and
// dispatching frames to registered handlers. It blocks the calling
// goroutine — callers run it in its own goroutine (one per channel) and
// treat its return as channel death. A single malformed or unrecognized
// frame never stops the loop; only EOF or a framing failure does.
func (ch *Channel) Serve() error {
	for {
		rec, err := ch.reader.ReadRecord()
		if err != nil {
			return err
		}
		if err := ch.dispatch(rec); err != nil {
			ch.log.Warn("dropping malformed frame", "error", err)
		}
	}
}

func (ch *Channel) dispatch(rec []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpcchannel: handler panic: %v", r)
		}
	}()

	var env envelope
	if err := json.Unmarshal(rec, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	entry, ok := ch.methods[env.Method]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, env.Method)
	}

	return entry.dispatch(ch, env.Payload)
}

// Close closes the underlying connection, unblocking any in-progress
// ReadRecord and causing Serve to return.
func (ch *Channel) Close() error {
	return ch.conn.Close()
}

// RemoteAddr returns the underlying connection's remote address.
func (ch *Channel) RemoteAddr() net.Addr {
	return ch.conn.RemoteAddr()
}
