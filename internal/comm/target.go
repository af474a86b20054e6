// Package comm delivers method invocations to services on other nodes and
// serves the invocations other nodes send to this one.
package comm

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/pkg/id"
)

var (
	ErrInvalidTarget = errors.New("invalid call target")
	ErrCircuitOpen   = errors.New("circuit open")
	ErrUnavailable   = errors.New("destination unavailable")
	ErrBadRequest    = errors.New("malformed request")
)

// Target names the node, group scope, service and method of one call.
type Target struct {
	Node    id.Node `json:"node"`
	GID     string  `json:"gid,omitempty"`
	Service string  `json:"service"`
	Method  string  `json:"method"`
}

func (t Target) Validate() error {
	switch {
	case t.Node.IP == "":
		return fmt.Errorf("%w: node ip is required", ErrInvalidTarget)
	case t.Node.Port <= 0:
		return fmt.Errorf("%w: node port is required", ErrInvalidTarget)
	case t.Service == "":
		return fmt.Errorf("%w: service is required", ErrInvalidTarget)
	case t.Method == "":
		return fmt.Errorf("%w: method is required", ErrInvalidTarget)
	}
	return nil
}

// Scope is the gid path segment; calls without a gid use the local table.
func (t Target) Scope() string {
	if t.GID == "" {
		return routes.LocalGID
	}
	return t.GID
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s.%s", t.Node.Addr(), t.Scope(), t.Service, t.Method)
}

// StatusError is a non-success transport response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// IsTransient reports whether err is worth retrying: the destination
// refused or reset the connection.
func IsTransient(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, ErrUnavailable)
}
