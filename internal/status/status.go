// Package status reports facts about the running node and manages node
// processes: spawning new ones and reviving ones that stopped answering.
package status

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/pkg/id"
)

var ErrUnknownField = errors.New("unknown status field")

const (
	FieldNID       = "nid"
	FieldSID       = "sid"
	FieldIP        = "ip"
	FieldPort      = "port"
	FieldCounts    = "counts"
	FieldHeapTotal = "heapTotal"
	FieldHeapUsed  = "heapUsed"
)

// stopDelay lets the reply to stop reach the caller before shutdown.
const stopDelay = 100 * time.Millisecond

type Source struct {
	Self  id.Node
	Calls func() int64
}

func (s Source) Get(field string) (any, error) {
	switch field {
	case FieldNID:
		return id.NodeID(s.Self), nil
	case FieldSID:
		return id.ShortID(s.Self), nil
	case FieldIP:
		return s.Self.IP, nil
	case FieldPort:
		return s.Self.Port, nil
	case FieldCounts:
		if s.Calls == nil {
			return 0, nil
		}
		return s.Calls(), nil
	case FieldHeapTotal, FieldHeapUsed:
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if field == FieldHeapTotal {
			return ms.HeapSys, nil
		}
		return ms.HeapAlloc, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
}

// NewService exposes src as the "status" service. stop is invoked shortly
// after the stop method replies.
func NewService(src Source, spawner *Spawner, stop func()) routes.Service {
	return routes.MethodTable{
		"get": func(_ context.Context, args routes.Args) (any, error) {
			var field string
			if err := args.Decode(0, &field); err != nil {
				return nil, err
			}
			return src.Get(field)
		},
		"spawn": func(ctx context.Context, args routes.Args) (any, error) {
			if spawner == nil {
				return nil, errors.New("spawning is not configured")
			}
			var node id.Node
			if err := args.Decode(0, &node); err != nil {
				return nil, err
			}
			if err := spawner.Spawn(ctx, node); err != nil {
				return nil, err
			}
			return node, nil
		},
		"stop": func(context.Context, routes.Args) (any, error) {
			if stop != nil {
				time.AfterFunc(stopDelay, stop)
			}
			return src.Self, nil
		},
	}
}
