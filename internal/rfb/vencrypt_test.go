package rfb

import (
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// runVeNCrypt starts the scheme handshake against one side of a pipe and
// returns the scripted backend side plus a waiter for the result.
func runVeNCrypt(t *testing.T, s *VeNCryptScheme) (net.Conn, func() (net.Conn, error)) {
	t.Helper()
	backend, peer := net.Pipe()
	for _, c := range []net.Conn{backend, peer} {
		_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	}
	var wg sync.WaitGroup
	var result net.Conn
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, err = s.Handshake(backend)
	}()
	t.Cleanup(func() {
		backend.Close()
		peer.Close()
	})
	return peer, func() (net.Conn, error) { wg.Wait(); return result, err }
}

func writeSubtypes(t *testing.T, c net.Conn, subtypes ...uint32) {
	t.Helper()
	buf := make([]byte, 1+4*len(subtypes))
	buf[0] = byte(len(subtypes))
	for i, st := range subtypes {
		binary.BigEndian.PutUint32(buf[1+4*i:], st)
	}
	mustWrite(t, c, buf)
}

func TestVeNCryptPrefersX509(t *testing.T) {
	peer, wait := runVeNCrypt(t, &VeNCryptScheme{})

	mustWrite(t, peer, []byte{0, 2})
	if v := mustRead(t, peer, 2); v[0] != 0 || v[1] != 2 {
		t.Errorf("proxied version %v, want 0.2", v)
	}
	mustWrite(t, peer, []byte{0})
	writeSubtypes(t, peer, venCryptSubTLSNone, venCryptSubX509None)

	pick := mustRead(t, peer, 4)
	if got := binary.BigEndian.Uint32(pick); got != venCryptSubX509None {
		t.Fatalf("chose subtype %d, want X509None", got)
	}
	// Refuse the subtype so the handshake stops before the TLS exchange.
	mustWrite(t, peer, []byte{0})
	if _, err := wait(); err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("err = %v, want subtype rejection", err)
	}
}

func TestVeNCryptFallsBackToTLSNone(t *testing.T) {
	peer, wait := runVeNCrypt(t, &VeNCryptScheme{})

	mustWrite(t, peer, []byte{0, 2})
	mustRead(t, peer, 2)
	mustWrite(t, peer, []byte{0})
	writeSubtypes(t, peer, venCryptSubTLSNone)

	pick := mustRead(t, peer, 4)
	if got := binary.BigEndian.Uint32(pick); got != venCryptSubTLSNone {
		t.Fatalf("chose subtype %d, want TLSNone", got)
	}
	mustWrite(t, peer, []byte{0})
	if _, err := wait(); err == nil {
		t.Fatal("handshake succeeded without a TLS exchange")
	}
}

func TestVeNCryptRequireX509RefusesTLSNone(t *testing.T) {
	peer, wait := runVeNCrypt(t, &VeNCryptScheme{RequireX509: true})

	mustWrite(t, peer, []byte{0, 2})
	mustRead(t, peer, 2)
	mustWrite(t, peer, []byte{0})
	writeSubtypes(t, peer, venCryptSubTLSNone)

	if _, err := wait(); err == nil || !strings.Contains(err.Error(), "no usable vencrypt subtype") {
		t.Fatalf("err = %v, want no usable subtype", err)
	}
}

func TestVeNCryptRejectsOldVersion(t *testing.T) {
	peer, wait := runVeNCrypt(t, &VeNCryptScheme{})

	mustWrite(t, peer, []byte{0, 1})
	if _, err := wait(); err == nil || !strings.Contains(err.Error(), "version 0.1") {
		t.Fatalf("err = %v, want version refusal", err)
	}
}
