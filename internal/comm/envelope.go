package comm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nemanja-m/distrib/internal/routes"
)

// RemoteError is an error returned by the remote service itself.
type RemoteError struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Unwrap maps a known kind back to its sentinel so errors.Is keeps working
// across the wire.
func (e *RemoteError) Unwrap() error {
	if e.Kind == "" {
		return nil
	}
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	return kinds[e.Kind]
}

var (
	kindsMu sync.RWMutex
	kinds   = map[string]error{
		"service_not_found": routes.ErrServiceNotFound,
		"method_not_found":  routes.ErrMethodNotFound,
		"missing_argument":  routes.ErrMissingArgument,
		"invalid_target":    ErrInvalidTarget,
	}
)

// RegisterErrorKind makes sentinel recognisable after a remote round trip.
func RegisterErrorKind(kind string, sentinel error) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[kind] = sentinel
}

func kindOf(err error) string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	for kind, sentinel := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

type envelope struct {
	Error *RemoteError    `json:"error"`
	Value json.RawMessage `json:"value"`
}

func encodeArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	return data, nil
}

func encodeEnvelope(value any, err error) []byte {
	env := envelope{Value: json.RawMessage("null")}
	if err != nil {
		env.Error = &RemoteError{Message: err.Error(), Kind: kindOf(err)}
	} else if value != nil {
		data, merr := json.Marshal(value)
		if merr != nil {
			env.Error = &RemoteError{Message: fmt.Sprintf("encoding result: %v", merr)}
		} else {
			env.Value = data
		}
	}
	data, _ := json.Marshal(env)
	return data
}

// decodeResponse interprets an object with exactly the fields error and
// value as a (error, value) pair; anything else is a plain value.
func decodeResponse(body []byte) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil && len(fields) == 2 {
		errRaw, hasErr := fields["error"]
		value, hasValue := fields["value"]
		if hasErr && hasValue {
			if isNull(errRaw) {
				return value, nil
			}
			return nil, decodeRemoteError(errRaw)
		}
	}
	return json.RawMessage(body), nil
}

func decodeRemoteError(raw json.RawMessage) error {
	var rerr RemoteError
	if err := json.Unmarshal(raw, &rerr); err == nil && rerr.Message != "" {
		return &rerr
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return &RemoteError{Message: msg}
	}
	return &RemoteError{Message: string(raw)}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
