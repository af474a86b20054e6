// Package storage holds key/value data on a single node, partitioned by gid.
// MemStore keeps it in memory and FileStore on the local disk; both are
// exposed to other nodes through the same service methods.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nemanja-m/distrib/internal/comm"
	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/pkg/id"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrNotAList    = errors.New("stored value is not a list")
)

func init() {
	comm.RegisterErrorKind("key_not_found", ErrKeyNotFound)
}

type Store interface {
	Get(ctx context.Context, gid, key string) (json.RawMessage, error)
	Put(ctx context.Context, gid, key string, value json.RawMessage) error
	Del(ctx context.Context, gid, key string) (json.RawMessage, error)
	List(ctx context.Context, gid string) ([]string, error)
	// Append adds values to the JSON array stored under key, creating it if
	// needed.
	Append(ctx context.Context, gid, key string, values []json.RawMessage) error
	// Match lists the keys of gid that match a doublestar pattern.
	Match(ctx context.Context, gid, pattern string) ([]string, error)
	// Drop removes the whole gid partition.
	Drop(ctx context.Context, gid string) error
}

// Key addresses a value: a key within a gid partition. A nil Key means
// "every key".
type Key struct {
	Key *string `json:"key"`
	GID string  `json:"gid,omitempty"`
}

func KeyOf(gid, key string) Key {
	return Key{Key: &key, GID: gid}
}

// ListKey addresses every key of gid.
func ListKey(gid string) Key {
	return Key{GID: gid}
}

// Scope returns the partition, "local" when unset.
func (k Key) Scope() string {
	if k.GID == "" {
		return routes.LocalGID
	}
	return k.GID
}

func (k Key) IsList() bool {
	return k.Key == nil
}

// UnmarshalJSON accepts null, a bare string or a {key, gid} object.
func (k *Key) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*k = Key{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = Key{Key: &s}
		return nil
	default:
		type plain Key
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid key: %w", err)
		}
		*k = Key(p)
		return nil
	}
}

func decodeKey(args routes.Args, i int) (Key, error) {
	if !args.Has(i) {
		return Key{}, nil
	}
	var k Key
	err := args.Decode(i, &k)
	return k, err
}

// NewService exposes s with get, put, del, append and match methods. A
// missing key on get lists the partition; a missing key on put derives one
// from the value.
func NewService(s Store) routes.Service {
	return routes.MethodTable{
		"get": func(ctx context.Context, args routes.Args) (any, error) {
			k, err := decodeKey(args, 0)
			if err != nil {
				return nil, err
			}
			if k.IsList() {
				return s.List(ctx, k.Scope())
			}
			return s.Get(ctx, k.Scope(), *k.Key)
		},
		"put": func(ctx context.Context, args routes.Args) (any, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("%w: value", routes.ErrMissingArgument)
			}
			value := json.RawMessage(args[0])
			k, err := decodeKey(args, 1)
			if err != nil {
				return nil, err
			}
			key := id.ContentKey(value)
			if !k.IsList() && *k.Key != "" {
				key = *k.Key
			}
			if err := s.Put(ctx, k.Scope(), key, value); err != nil {
				return nil, err
			}
			return value, nil
		},
		"del": func(ctx context.Context, args routes.Args) (any, error) {
			k, err := decodeKey(args, 0)
			if err != nil {
				return nil, err
			}
			if k.IsList() {
				return nil, fmt.Errorf("%w: key", routes.ErrMissingArgument)
			}
			return s.Del(ctx, k.Scope(), *k.Key)
		},
		"append": func(ctx context.Context, args routes.Args) (any, error) {
			var entries map[string][]json.RawMessage
			if err := args.Decode(0, &entries); err != nil {
				return nil, err
			}
			var gid string
			if args.Has(1) {
				if err := args.Decode(1, &gid); err != nil {
					return nil, err
				}
			}
			if gid == "" {
				gid = routes.LocalGID
			}
			for key, values := range entries {
				if err := s.Append(ctx, gid, key, values); err != nil {
					return nil, err
				}
			}
			return len(entries), nil
		},
		"match": func(ctx context.Context, args routes.Args) (any, error) {
			var gid, pattern string
			if err := args.Decode(0, &gid); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &pattern); err != nil {
				return nil, err
			}
			return s.Match(ctx, gid, pattern)
		},
		"drop": func(ctx context.Context, args routes.Args) (any, error) {
			var gid string
			if err := args.Decode(0, &gid); err != nil {
				return nil, err
			}
			return nil, s.Drop(ctx, gid)
		},
	}
}

func appendValues(existing json.RawMessage, values []json.RawMessage) (json.RawMessage, error) {
	var list []json.RawMessage
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &list); err != nil {
			return nil, ErrNotAList
		}
	}
	list = append(list, values...)
	return json.Marshal(list)
}
