package rfb

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/rackgate/rackgate/internal/obs"
)

// Tenant-facing failure text. Deliberately generic: the detailed cause stays
// in logs and in the wrapped error, never on the tenant leg.
const (
	genericTenantMessage  = "unable to negotiate security with server"
	noneOnlyTenantMessage = "security type None is the only one supported"
)

// NegotiationError is the handshake failure type. Code is a short stable
// label for metrics, TenantMessage the only text allowed on the tenant leg.
type NegotiationError struct {
	Code          string
	TenantMessage string
	cause         error
}

func (e *NegotiationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("rfb negotiation failed (%s): %v", e.Code, e.cause)
	}
	return fmt.Sprintf("rfb negotiation failed (%s)", e.Code)
}

func (e *NegotiationError) Unwrap() error { return e.cause }

// Negotiator drives the RFB 3.8 handshake on both legs of one console
// session. Safe for concurrent use; all per-session state lives on the stack
// of Connect.
type Negotiator struct {
	registry *Registry
}

func NewNegotiator(registry *Registry) *Negotiator {
	return &Negotiator{registry: registry}
}

// Connect performs the full two-sided handshake, strictly sequential:
// backend version, tenant version, backend security list, tenant offer and
// ack, scheme selection, backend auth. On success it returns the (possibly
// wrapped) authenticated backend transport; the backend's final
// security-result bytes pass through unexamined once raw proxying starts.
// On failure both transports are still owned by the caller and must be
// closed there; any failure frame owed to a peer has already been written.
func (p *Negotiator) Connect(tenant, backend net.Conn) (net.Conn, error) {
	ver := make([]byte, versionLength)
	if _, err := io.ReadFull(backend, ver); err != nil {
		return nil, p.failSilent("backend_version_read", fmt.Errorf("read backend version: %w", err))
	}
	if err := checkVersion("backend", ver); err != nil {
		return nil, p.failSilent("backend_version", err)
	}
	if _, err := backend.Write([]byte(ProtocolVersion)); err != nil {
		return nil, p.failSilent("backend_version_write", fmt.Errorf("send version to backend: %w", err))
	}

	if _, err := tenant.Write([]byte(ProtocolVersion)); err != nil {
		return nil, p.failSilent("tenant_version_write", fmt.Errorf("send version to tenant: %w", err))
	}
	if _, err := io.ReadFull(tenant, ver); err != nil {
		return nil, p.failSilent("tenant_version_read", fmt.Errorf("read tenant version: %w", err))
	}
	if err := checkVersion("tenant", ver); err != nil {
		return nil, p.failSilent("tenant_version", err)
	}

	var count [1]byte
	if _, err := io.ReadFull(backend, count[:]); err != nil {
		return nil, p.failTenant(tenant, "backend_security_read", fmt.Errorf("read backend security type count: %w", err))
	}
	if count[0] == 0 {
		// RFB 3.8 failure path: the backend explains itself with a
		// length-prefixed reason. That reason is for our logs only.
		reason := readFailureReason(backend)
		return nil, p.failTenant(tenant, "backend_refused", fmt.Errorf("backend offered no security types: %s", reason))
	}
	offered := make([]byte, count[0])
	if _, err := io.ReadFull(backend, offered); err != nil {
		return nil, p.failTenant(tenant, "backend_security_read", fmt.Errorf("read backend security types: %w", err))
	}
	obs.Debug("rfb.security.offered", obs.Fields{"types": fmt.Sprint(offered)})

	// The tenant is always offered exactly one type: None. No tenant ever
	// authenticates for real with this proxy.
	if _, err := tenant.Write([]byte{1, SecTypeNone}); err != nil {
		return nil, p.failSilent("tenant_offer_write", fmt.Errorf("send security offer to tenant: %w", err))
	}
	var choice [1]byte
	if _, err := io.ReadFull(tenant, choice[:]); err != nil {
		return nil, p.failSilent("tenant_ack_read", fmt.Errorf("read tenant security choice: %w", err))
	}
	if choice[0] != SecTypeNone {
		// Two independent failure channels: the tenant learns which type
		// it should have picked, the backend just sees an invalid type.
		sendTenantFailure(tenant, noneOnlyTenantMessage)
		_, _ = backend.Write([]byte{SecTypeInvalid})
		return nil, &NegotiationError{
			Code:          "tenant_bad_type",
			TenantMessage: noneOnlyTenantMessage,
			cause:         fmt.Errorf("tenant chose security type %d, offered only None", choice[0]),
		}
	}

	scheme, err := p.registry.Find(offered)
	if err != nil {
		return nil, p.failTenant(tenant, "no_scheme", fmt.Errorf("%w for offered types %v", err, offered))
	}
	obs.Debug("rfb.scheme.selected", obs.Fields{"type": scheme.Type()})

	if _, err := backend.Write([]byte{scheme.Type()}); err != nil {
		return nil, p.failTenant(tenant, "backend_select_write", fmt.Errorf("send security type to backend: %w", err))
	}
	authed, err := scheme.Handshake(backend)
	if err != nil {
		// Single chokepoint: whatever the scheme reports collapses to the
		// same generic tenant message as scheme-selection failure.
		return nil, p.failTenant(tenant, "scheme_handshake", fmt.Errorf("security handshake with backend: %w", err))
	}
	return authed, nil
}

// failTenant renders every backend-side failure identically toward the
// tenant, then returns the detailed error for logging. This is the only
// function that writes failure text to the tenant.
func (p *Negotiator) failTenant(tenant net.Conn, code string, cause error) *NegotiationError {
	sendTenantFailure(tenant, genericTenantMessage)
	return &NegotiationError{Code: code, TenantMessage: genericTenantMessage, cause: cause}
}

// failSilent covers phases where the tenant either caused the failure itself
// or is not yet expecting a failure frame.
func (p *Negotiator) failSilent(code string, cause error) *NegotiationError {
	return &NegotiationError{Code: code, TenantMessage: genericTenantMessage, cause: cause}
}

// sendTenantFailure writes an RFB 3.8 SecurityResult failure: u32 status 1,
// then a length-prefixed reason string.
func sendTenantFailure(tenant net.Conn, reason string) {
	buf := make([]byte, 8+len(reason))
	binary.BigEndian.PutUint32(buf[0:4], 1)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(reason)))
	copy(buf[8:], reason)
	_, _ = tenant.Write(buf)
}

// readFailureReason consumes the backend's length-prefixed refusal text.
// Best effort; a short read just truncates the logged reason.
func readFailureReason(backend net.Conn) string {
	var lenBuf [4]byte
	if _, err := io.ReadFull(backend, lenBuf[:]); err != nil {
		return "(no reason sent)"
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > 4096 {
		return "(no reason sent)"
	}
	reason := make([]byte, n)
	if _, err := io.ReadFull(backend, reason); err != nil {
		return "(truncated reason)"
	}
	return string(reason)
}
