// Package routes maps service names to the objects that implement them on a
// node. Both local services and ephemeral job services live here.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrMethodNotFound  = errors.New("method not found")
	ErrMissingArgument = errors.New("missing argument")
)

// Args are the positional arguments of a call, still JSON encoded.
type Args []json.RawMessage

// NewArgs encodes values as positional arguments.
func NewArgs(values ...any) (Args, error) {
	args := make(Args, len(values))
	for i, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		args[i] = data
	}
	return args, nil
}

// Has reports whether argument i is present and not null.
func (a Args) Has(i int) bool {
	return i < len(a) && len(a[i]) > 0 && string(a[i]) != "null"
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i >= len(a) {
		return fmt.Errorf("%w: position %d", ErrMissingArgument, i)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("decoding argument %d: %w", i, err)
	}
	return nil
}

type Method func(ctx context.Context, args Args) (any, error)

type Service interface {
	Method(name string) (Method, bool)
	Methods() []string
}

// MethodTable is a Service backed by a map of bound methods.
type MethodTable map[string]Method

func (t MethodTable) Method(name string) (Method, bool) {
	m, ok := t[name]
	return m, ok
}

func (t MethodTable) Methods() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
