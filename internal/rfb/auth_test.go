package rfb

import (
	"net"
	"testing"
)

type stubScheme struct {
	id uint8
}

func (s stubScheme) Type() uint8                            { return s.id }
func (s stubScheme) Handshake(c net.Conn) (net.Conn, error) { return c, nil }

func TestRegistryOrderWinsOverOfferedOrder(t *testing.T) {
	a := stubScheme{id: 19}
	b := stubScheme{id: 1}
	r := NewRegistry(a, b)

	// Backend prefers b's type first; the registry's own order still wins.
	got, err := r.Find([]byte{1, 19})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Type() != 19 {
		t.Fatalf("expected registry-first scheme 19, got %d", got.Type())
	}
}

func TestRegistryFindScansOfferedList(t *testing.T) {
	r := NewRegistry(NoneScheme{})
	got, err := r.Find([]byte{2, 5, 1})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Type() != SecTypeNone {
		t.Fatalf("expected None, got %d", got.Type())
	}
}

func TestRegistryNoMatch(t *testing.T) {
	r := NewRegistry(NoneScheme{})
	if _, err := r.Find([]byte{2, 19}); err != ErrNoScheme {
		t.Fatalf("expected ErrNoScheme, got %v", err)
	}
	empty := NewRegistry()
	if _, err := empty.Find([]byte{1}); err != ErrNoScheme {
		t.Fatalf("expected ErrNoScheme from empty registry, got %v", err)
	}
}

func TestNoneSchemeReturnsSameConn(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	out, err := NoneScheme{}.Handshake(c1)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if out != c1 {
		t.Fatal("None scheme must not wrap the transport")
	}
}
