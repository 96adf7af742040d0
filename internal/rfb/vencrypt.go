package rfb

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/rackgate/rackgate/internal/obs"
)

// VeNCrypt sub-authentication types. Only the TLS-wrapping, no-credential
// subtypes are usable here: the gateway holds no per-machine passwords.
const (
	venCryptSubTLSNone  uint32 = 257
	venCryptSubX509None uint32 = 260
)

// VeNCryptScheme authenticates to the backend with VeNCrypt (security type
// 19) and hands back the backend transport wrapped in TLS. With a CA
// configured it insists on X509None; otherwise it accepts TLSNone's
// anonymous handshake as well.
type VeNCryptScheme struct {
	// TLSConfig is cloned per handshake; ServerName is filled from the
	// backend address unless already set.
	TLSConfig *tls.Config

	// RequireX509 refuses the TLSNone subtype, forcing certificate checks.
	RequireX509 bool
}

func (s *VeNCryptScheme) Type() uint8 { return SecTypeVeNCrypt }

func (s *VeNCryptScheme) Handshake(backend net.Conn) (net.Conn, error) {
	var ver [2]byte
	if _, err := io.ReadFull(backend, ver[:]); err != nil {
		return nil, fmt.Errorf("read vencrypt version: %w", err)
	}
	if ver[0] != 0 || ver[1] < 2 {
		return nil, fmt.Errorf("backend offered unsupported vencrypt version %d.%d", ver[0], ver[1])
	}
	if _, err := backend.Write([]byte{0, 2}); err != nil {
		return nil, fmt.Errorf("send vencrypt version: %w", err)
	}
	var ack [1]byte
	if _, err := io.ReadFull(backend, ack[:]); err != nil {
		return nil, fmt.Errorf("read vencrypt version ack: %w", err)
	}
	if ack[0] != 0 {
		return nil, fmt.Errorf("backend refused vencrypt version 0.2 (status %d)", ack[0])
	}

	var count [1]byte
	if _, err := io.ReadFull(backend, count[:]); err != nil {
		return nil, fmt.Errorf("read vencrypt subtype count: %w", err)
	}
	if count[0] == 0 {
		return nil, fmt.Errorf("backend offered no vencrypt subtypes")
	}
	subtypes := make([]uint32, count[0])
	raw := make([]byte, 4*int(count[0]))
	if _, err := io.ReadFull(backend, raw); err != nil {
		return nil, fmt.Errorf("read vencrypt subtypes: %w", err)
	}
	for i := range subtypes {
		subtypes[i] = binary.BigEndian.Uint32(raw[4*i:])
	}

	chosen := uint32(0)
	for _, st := range subtypes {
		if st == venCryptSubX509None {
			chosen = st
			break
		}
		if st == venCryptSubTLSNone && !s.RequireX509 && chosen == 0 {
			chosen = st
		}
	}
	if chosen == 0 {
		return nil, fmt.Errorf("no usable vencrypt subtype in %v", subtypes)
	}
	obs.Debug("rfb.vencrypt.subtype", obs.Fields{"chosen": chosen, "offered": fmt.Sprint(subtypes)})

	var pick [4]byte
	binary.BigEndian.PutUint32(pick[:], chosen)
	if _, err := backend.Write(pick[:]); err != nil {
		return nil, fmt.Errorf("send vencrypt subtype: %w", err)
	}
	var ok [1]byte
	if _, err := io.ReadFull(backend, ok[:]); err != nil {
		return nil, fmt.Errorf("read vencrypt subtype ack: %w", err)
	}
	if ok[0] != 1 {
		return nil, fmt.Errorf("backend rejected vencrypt subtype %d", chosen)
	}

	cfg := s.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(backend.RemoteAddr().String()); err == nil {
			cfg.ServerName = host
		}
	}
	if chosen == venCryptSubTLSNone {
		// Anonymous handshake, nothing to verify against.
		cfg.InsecureSkipVerify = true
	}
	tlsConn := tls.Client(backend, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("vencrypt tls handshake: %w", err)
	}
	return tlsConn, nil
}
