package rfb

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// session wires a negotiator to scripted tenant and backend peers over
// net.Pipe and collects the Connect result.
type session struct {
	tenant, backend net.Conn // negotiator side
	tenantPeer      net.Conn // scripted tenant
	backendPeer     net.Conn // scripted backend

	wg     sync.WaitGroup
	result net.Conn
	err    error
}

func newSession(t *testing.T, reg *Registry) *session {
	t.Helper()
	s := &session{}
	s.tenant, s.tenantPeer = net.Pipe()
	s.backend, s.backendPeer = net.Pipe()
	for _, c := range []net.Conn{s.tenant, s.backend, s.tenantPeer, s.backendPeer} {
		_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.result, s.err = NewNegotiator(reg).Connect(s.tenant, s.backend)
	}()
	t.Cleanup(func() {
		s.tenant.Close()
		s.backend.Close()
		s.tenantPeer.Close()
		s.backendPeer.Close()
	})
	return s
}

func (s *session) wait() { s.wg.Wait() }

func mustRead(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("peer read %d bytes: %v", n, err)
	}
	return buf
}

func mustWrite(t *testing.T, c net.Conn, b []byte) {
	t.Helper()
	if _, err := c.Write(b); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

// runTenant38 performs the tenant side up to and including a security type
// choice.
func runTenant38(t *testing.T, c net.Conn, choice byte) {
	t.Helper()
	if v := string(mustRead(t, c, 12)); v != ProtocolVersion {
		t.Errorf("tenant saw version %q", v)
	}
	mustWrite(t, c, []byte(ProtocolVersion))
	offer := mustRead(t, c, 2)
	if offer[0] != 1 || offer[1] != SecTypeNone {
		t.Errorf("tenant offered %v, want exactly [1 None]", offer)
	}
	mustWrite(t, c, []byte{choice})
}

func TestNegotiateNoneAgainstMixedOffer(t *testing.T) {
	s := newSession(t, NewRegistry(NoneScheme{}))

	var peers sync.WaitGroup
	peers.Add(2)
	go func() {
		defer peers.Done()
		c := s.backendPeer
		mustWrite(t, c, []byte(ProtocolVersion))
		if v := string(mustRead(t, c, 12)); v != ProtocolVersion {
			t.Errorf("backend saw version %q", v)
		}
		// Backend offers VNCAuth first; the proxy must still pick None.
		mustWrite(t, c, []byte{2, SecTypeVNCAuth, SecTypeNone})
		if got := mustRead(t, c, 1); got[0] != SecTypeNone {
			t.Errorf("backend received security type %d, want None", got[0])
		}
	}()
	go func() {
		defer peers.Done()
		runTenant38(t, s.tenantPeer, SecTypeNone)
	}()
	peers.Wait()
	s.wait()

	if s.err != nil {
		t.Fatalf("negotiation failed: %v", s.err)
	}
	if s.result != s.backend {
		t.Fatal("None negotiation must hand back the unwrapped backend transport")
	}
}

func TestNegotiateBackendVersionMismatch(t *testing.T) {
	s := newSession(t, NewRegistry(NoneScheme{}))

	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		// Old protocol version; the proxy must abort before ever asking
		// for security types.
		mustWrite(t, s.backendPeer, []byte("RFB 003.007\n"))
		s.backendPeer.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, 1)
		if n, _ := s.backendPeer.Read(buf); n != 0 {
			t.Errorf("proxy kept talking to a 3.7 backend: %v", buf[:n])
		}
	}()
	s.wait()
	<-backendDone

	if s.err == nil {
		t.Fatal("expected negotiation failure")
	}
	var nerr *NegotiationError
	if !errors.As(s.err, &nerr) {
		t.Fatalf("expected NegotiationError, got %T", s.err)
	}
	if nerr.Code != "backend_version" {
		t.Fatalf("unexpected failure code %q", nerr.Code)
	}
	if !strings.Contains(s.err.Error(), "backend") || !strings.Contains(s.err.Error(), "3.7") {
		t.Fatalf("error does not name peer and version: %v", s.err)
	}
}

func TestNegotiateTenantWrongChoice(t *testing.T) {
	s := newSession(t, NewRegistry(NoneScheme{}))

	var peers sync.WaitGroup
	peers.Add(2)
	var backendSignal []byte
	go func() {
		defer peers.Done()
		c := s.backendPeer
		mustWrite(t, c, []byte(ProtocolVersion))
		mustRead(t, c, 12)
		mustWrite(t, c, []byte{1, SecTypeNone})
		backendSignal = mustRead(t, c, 1)
	}()
	var tenantReason string
	go func() {
		defer peers.Done()
		c := s.tenantPeer
		runTenant38(t, c, SecTypeVNCAuth)
		status := binary.BigEndian.Uint32(mustRead(t, c, 4))
		if status != 1 {
			t.Errorf("tenant security result %d, want failure", status)
		}
		n := binary.BigEndian.Uint32(mustRead(t, c, 4))
		tenantReason = string(mustRead(t, c, int(n)))
	}()
	peers.Wait()
	s.wait()

	if s.err == nil {
		t.Fatal("expected negotiation failure")
	}
	var nerr *NegotiationError
	if !errors.As(s.err, &nerr) || nerr.Code != "tenant_bad_type" {
		t.Fatalf("unexpected error: %v", s.err)
	}
	if tenantReason != noneOnlyTenantMessage {
		t.Fatalf("tenant reason %q", tenantReason)
	}
	// The backend channel carries only the invalid-type byte, never the
	// tenant-facing explanation.
	if len(backendSignal) != 1 || backendSignal[0] != SecTypeInvalid {
		t.Fatalf("backend signal %v, want [0]", backendSignal)
	}
}

func TestNegotiateBackendRefusal(t *testing.T) {
	s := newSession(t, NewRegistry(NoneScheme{}))

	var peers sync.WaitGroup
	peers.Add(2)
	go func() {
		defer peers.Done()
		c := s.backendPeer
		mustWrite(t, c, []byte(ProtocolVersion))
		mustRead(t, c, 12)
		// Zero security types plus a reason only operators may see.
		reason := "too many failed attempts from 10.1.2.3"
		mustWrite(t, c, []byte{0})
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(reason)))
		mustWrite(t, c, lenBuf[:])
		mustWrite(t, c, []byte(reason))
	}()
	var tenantReason string
	go func() {
		defer peers.Done()
		c := s.tenantPeer
		mustRead(t, c, 12)
		mustWrite(t, c, []byte(ProtocolVersion))
		status := binary.BigEndian.Uint32(mustRead(t, c, 4))
		if status != 1 {
			t.Errorf("tenant security result %d, want failure", status)
		}
		n := binary.BigEndian.Uint32(mustRead(t, c, 4))
		tenantReason = string(mustRead(t, c, int(n)))
	}()
	peers.Wait()
	s.wait()

	if s.err == nil {
		t.Fatal("expected negotiation failure")
	}
	if tenantReason != genericTenantMessage {
		t.Fatalf("tenant reason %q, want generic message", tenantReason)
	}
	if strings.Contains(tenantReason, "10.1.2.3") {
		t.Fatal("backend refusal detail leaked to tenant")
	}
	// The detail must still reach the server-side error for logging.
	if !strings.Contains(s.err.Error(), "too many failed attempts") {
		t.Fatalf("backend reason missing from server-side error: %v", s.err)
	}
}

func TestNegotiateNoMatchingScheme(t *testing.T) {
	// Registry only handles VeNCrypt-style type 19, backend offers 2 only.
	s := newSession(t, NewRegistry(stubScheme{id: 19}))

	var peers sync.WaitGroup
	peers.Add(2)
	go func() {
		defer peers.Done()
		c := s.backendPeer
		mustWrite(t, c, []byte(ProtocolVersion))
		mustRead(t, c, 12)
		mustWrite(t, c, []byte{1, SecTypeVNCAuth})
	}()
	var tenantReason string
	go func() {
		defer peers.Done()
		c := s.tenantPeer
		runTenant38(t, c, SecTypeNone)
		mustRead(t, c, 4) // failure status
		n := binary.BigEndian.Uint32(mustRead(t, c, 4))
		tenantReason = string(mustRead(t, c, int(n)))
	}()
	peers.Wait()
	s.wait()

	var nerr *NegotiationError
	if !errors.As(s.err, &nerr) || nerr.Code != "no_scheme" {
		t.Fatalf("unexpected error: %v", s.err)
	}
	if !errors.Is(s.err, ErrNoScheme) {
		t.Fatalf("expected ErrNoScheme in chain: %v", s.err)
	}
	if tenantReason != genericTenantMessage {
		t.Fatalf("tenant reason %q, want generic message", tenantReason)
	}
}
