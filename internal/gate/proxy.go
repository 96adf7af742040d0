package gate

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"net"
	"sync"
)

// runProxy copies bytes both ways with zero protocol awareness until either
// side closes or errors, then closes both ends. Closing an already-closed
// peer is harmless.
func runProxy(tenant, backend net.Conn) (tenantToBackend, backendToTenant int64) {
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() { _ = tenant.Close(); _ = backend.Close() }
	wg.Add(2)
	go func() {
		defer wg.Done()
		tenantToBackend, _ = io.Copy(backend, tenant)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		backendToTenant, _ = io.Copy(tenant, backend)
		once.Do(closeBoth)
	}()
	wg.Wait()
	return tenantToBackend, backendToTenant
}

// newSessionID returns a short random id for correlating session logs.
func newSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}
