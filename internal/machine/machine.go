package machine

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get for unknown machine ids. Callers facing
// untrusted input must not let it leak as a distinguishable outcome.
var ErrNotFound = errors.New("machine not found")

// Machine is the record the gateway reads per console session. The backend
// endpoint is populated out of band by the vendor driver that manages the
// machine; the console token fields are owned by token.Authority.
type Machine struct {
	ID             string    `json:"id"`
	BackendHost    string    `json:"backend_host"`
	BackendPort    int       `json:"backend_port"`
	ConsoleToken   string    `json:"console_token,omitempty"`
	TokenCreatedAt time.Time `json:"token_created_at,omitzero"`
}

// Store abstracts machine record persistence to allow horizontal scaling.
type Store interface {
	Get(ctx context.Context, id string) (*Machine, error)
	Save(ctx context.Context, m *Machine) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Machine, error)
	Close() error
}
