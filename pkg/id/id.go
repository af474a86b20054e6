// Package id derives stable identifiers for nodes and keys and selects the
// node that owns a key within a candidate set.
package id

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"strconv"
)

// ShortIDLength is the number of NID characters kept in a short identifier.
const ShortIDLength = 5

// ID is a hex encoded SHA-256 digest.
type ID string

// Node addresses one running process.
type Node struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (n Node) Addr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

func (n Node) String() string {
	return n.Addr()
}

// Valid reports whether the node has both an address and a port.
func (n Node) Valid() bool {
	return n.IP != "" && n.Port > 0
}

// Of hashes the JSON encoding of v. Values that cannot be encoded are hashed
// through their fmt representation so the function stays total.
func Of(v any) ID {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	sum := sha256.Sum256(data)
	return ID(hex.EncodeToString(sum[:]))
}

func NodeID(n Node) ID {
	return Of(n)
}

func ShortID(n Node) string {
	return string(NodeID(n))[:ShortIDLength]
}

func KeyID(key any) ID {
	return Of(key)
}

// ContentKey derives a storage key from the content of a value.
func ContentKey(value any) string {
	if raw, ok := value.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			value = decoded
		}
	}
	return string(Of(value))
}

// Num interprets the identifier as a base-16 integer.
func (i ID) Num() *big.Int {
	n, ok := new(big.Int).SetString(string(i), 16)
	if !ok {
		return new(big.Int)
	}
	return n
}

func (i ID) Short() string {
	if len(i) < ShortIDLength {
		return string(i)
	}
	return string(i)[:ShortIDLength]
}
