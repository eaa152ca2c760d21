package cache

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// ListID is the sentinel tag ID used for list-shaped results, as opposed to
// a concrete resource id.
const ListID = "LIST"

// Tag labels what a query's result represents or what a mutation affects.
// A tag is either id-level (Type plus a concrete ID) or list-level
// (Type plus ListID).
type Tag struct {
	Type string
	ID   string
}

// ListTag returns the list-level tag for a resource type.
func ListTag(resourceType string) Tag {
	return Tag{Type: resourceType, ID: ListID}
}

// IDTag returns the id-level tag for a concrete resource.
func IDTag(resourceType, id string) Tag {
	return Tag{Type: resourceType, ID: id}
}

func (t Tag) String() string {
	return t.Type + ":" + t.ID
}

// Key identifies a query by resource type, operation name, and serialized
// arguments. Two keys are equal iff all three components are equal, so Key
// is usable directly as a map key.
type Key struct {
	Resource string
	Op       string
	Args     string
}

// NewKey builds a Key from a resource type, operation name, and arbitrary
// argument value. Arguments are serialized with encoding/json, which sorts
// map keys and fixes struct field order, so structurally identical arguments
// always produce the same Key. A nil args value serializes to the empty
// string.
func NewKey(resource, op string, args any) (Key, error) {
	key := Key{Resource: resource, Op: op}
	if args == nil {
		return key, nil
	}
	buf, err := json.Marshal(args)
	if err != nil {
		return Key{}, errors.Wrapf(err, "cache: serializing arguments for %s/%s", resource, op)
	}
	key.Args = string(buf)
	return key, nil
}

// MustKey is NewKey but panics on serialization failure. Intended for
// adapter tables built at startup with known-serializable argument shapes.
func MustKey(resource, op string, args any) Key {
	key, err := NewKey(resource, op, args)
	if err != nil {
		panic(err)
	}
	return key
}

// String renders the key compactly for logging, digesting the argument
// payload rather than echoing it.
func (k Key) String() string {
	if k.Args == "" {
		return k.Resource + "/" + k.Op
	}
	return fmt.Sprintf("%s/%s#%016x", k.Resource, k.Op, xxhash.Sum64String(k.Args))
}
