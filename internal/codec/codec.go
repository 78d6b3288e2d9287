// Package codec turns commands into opaque payloads and back.
//
// Payloads are self-describing: they carry the command name so Decode can
// rebuild the concrete type through a Registry.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"cmdsched/internal/domain"
)

var (
	ErrUnknownCommand = errors.New("codec: unknown command")
	ErrCorruptPayload = errors.New("codec: corrupt payload")
)

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// Codec is a reversible command encoding.
type Codec interface {
	Encode(cmd domain.Command) ([]byte, error)
	Decode(data []byte) (domain.Command, error)
	Name() string
}

// Factory returns a new zero command, always a pointer.
type Factory func() domain.Command

// Registry maps command names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory under the name its commands report.
func (r *Registry) Register(f Factory) {
	name := f().CommandName()
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// New builds a zero command of the named type.
func (r *Registry) New(name string) (domain.Command, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return f(), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the codec by name. Empty selects JSON.
func Get(name string, reg *Registry) (Codec, error) {
	switch name {
	case NameJSON, "":
		return NewJSON(reg), nil
	case NameMsgpack:
		return NewMsgpack(reg), nil
	default:
		return nil, fmt.Errorf("codec: unsupported codec %q", name)
	}
}
