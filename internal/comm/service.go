package comm

import (
	"context"
	"encoding/json"

	"github.com/nemanja-m/distrib/internal/routes"
)

// NewService exposes the client as the "comm" service so a remote caller can
// route a call through this node.
func NewService(c *Client) routes.Service {
	return routes.MethodTable{
		"send": func(ctx context.Context, args routes.Args) (any, error) {
			var (
				callArgs []json.RawMessage
				target   Target
			)
			if args.Has(0) {
				if err := args.Decode(0, &callArgs); err != nil {
					return nil, err
				}
			}
			if err := args.Decode(1, &target); err != nil {
				return nil, err
			}
			forwarded := make([]any, len(callArgs))
			for i, a := range callArgs {
				forwarded[i] = a
			}
			return c.Send(ctx, target, forwarded...)
		},
	}
}
