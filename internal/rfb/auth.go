package rfb

import (
	"errors"
	"net"
)

// ErrNoScheme is returned when no registered scheme matches any security type
// the backend offered.
var ErrNoScheme = errors.New("no scheme available")

// Scheme is the capability an authentication plugin exposes. Handshake runs
// after the scheme's type byte has been written to the backend and may return
// a wrapped transport (e.g. a TLS conn). The negotiator never inspects
// concrete scheme identity beyond these two operations.
type Scheme interface {
	Type() uint8
	Handshake(backend net.Conn) (net.Conn, error)
}

// Registry is the ordered collection of backend authentication capabilities.
// Registered once at startup, never mutated afterwards.
type Registry struct {
	schemes []Scheme
}

func NewRegistry(schemes ...Scheme) *Registry {
	return &Registry{schemes: schemes}
}

func (r *Registry) Register(s Scheme) {
	r.schemes = append(r.schemes, s)
}

// Find returns the first registered scheme whose type appears anywhere in the
// backend's offered list. Registry order wins over offered order: the
// operator decides preference, not the backend.
func (r *Registry) Find(offered []byte) (Scheme, error) {
	for _, s := range r.schemes {
		for _, id := range offered {
			if s.Type() == id {
				return s, nil
			}
		}
	}
	return nil, ErrNoScheme
}

// NoneScheme performs no backend authentication. The backend's own
// SecurityResult flows through to the tenant once raw proxying starts.
type NoneScheme struct{}

func (NoneScheme) Type() uint8 { return SecTypeNone }

func (NoneScheme) Handshake(backend net.Conn) (net.Conn, error) {
	return backend, nil
}
