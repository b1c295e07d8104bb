package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Key selects a decoder. Sub is extra.type for system events and the
// channel type for user messages. An empty Sub registers a fallback for
// every sub type of Major.
type Key struct {
	Major MessageType
	Sub   string
}

func (k Key) String() string {
	if k.Sub == "" {
		return k.Major.String()
	}
	return k.Major.String() + "/" + k.Sub
}

// Decoder turns the raw extra object into a typed body.
type Decoder func(raw json.RawMessage) (any, error)

// Registry is the (major, sub) -> Decoder table. It is safe for concurrent
// use; registration normally happens once before the bot starts.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Key]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Key]Decoder)}
}

// Register adds or replaces the decoder for key.
func (r *Registry) Register(key Key, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[key] = dec
}

// Lookup finds the decoder for key, falling back to the Major-only entry.
func (r *Registry) Lookup(key Key) (Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if dec, ok := r.decoders[key]; ok {
		return dec, true
	}
	if key.Sub != "" {
		dec, ok := r.decoders[Key{Major: key.Major}]
		return dec, ok
	}
	return nil, false
}

// Keys lists registered keys in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.decoders))
	for k := range r.decoders {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Major != keys[j].Major {
			return keys[i].Major < keys[j].Major
		}
		return keys[i].Sub < keys[j].Sub
	})
	return keys
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.decoders)
}

// RegisterJSON registers a decoder that unmarshals the whole extra object
// into a new T.
func RegisterJSON[T any](r *Registry, key Key) {
	r.Register(key, func(raw json.RawMessage) (any, error) {
		v := new(T)
		if len(raw) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

// RegisterSystem registers a decoder for the system event sub type whose
// extra is {"type": sub, "body": T}. The decoded value is *T.
func RegisterSystem[T any](r *Registry, sub string) {
	r.Register(Key{Major: TypeSystem, Sub: sub}, func(raw json.RawMessage) (any, error) {
		var wrapper struct {
			Type string          `json:"type"`
			Body json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, err
		}
		if wrapper.Type != sub {
			return nil, fmt.Errorf("extra type %q does not match %q", wrapper.Type, sub)
		}
		v := new(T)
		if len(wrapper.Body) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(wrapper.Body, v); err != nil {
			return nil, err
		}
		return v, nil
	})
}
