package all

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/internal/storage"
)

// Service exposes s as a group scoped store or mem service. Keys go to
// their owners and a null key on get lists the whole group.
func (s *Store) Service() routes.Service {
	return routes.MethodTable{
		"get": func(ctx context.Context, args routes.Args) (any, error) {
			k, err := groupKey(args, 0)
			if err != nil {
				return nil, err
			}
			if k.IsList() {
				return s.List(ctx)
			}
			return s.Get(ctx, *k.Key)
		},
		"put": func(ctx context.Context, args routes.Args) (any, error) {
			if !args.Has(0) {
				return nil, fmt.Errorf("%w: value", routes.ErrMissingArgument)
			}
			k, err := groupKey(args, 1)
			if err != nil {
				return nil, err
			}
			var key string
			if !k.IsList() {
				key = *k.Key
			}
			return s.Put(ctx, json.RawMessage(args[0]), key)
		},
		"del": func(ctx context.Context, args routes.Args) (any, error) {
			k, err := groupKey(args, 0)
			if err != nil {
				return nil, err
			}
			if k.IsList() {
				return nil, fmt.Errorf("%w: key", routes.ErrMissingArgument)
			}
			return s.Del(ctx, *k.Key)
		},
	}
}

func groupKey(args routes.Args, i int) (storage.Key, error) {
	var k storage.Key
	if !args.Has(i) {
		return k, nil
	}
	err := args.Decode(i, &k)
	return k, err
}
