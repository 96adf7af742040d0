package proto

// MachineUpsert is the admin API body for registering or updating a machine
// record. The backend endpoint normally comes from the vendor driver; the
// admin API mirrors that interface for operators and tests.
type MachineUpsert struct {
	BackendHost string `json:"backend_host"`
	BackendPort int    `json:"backend_port"`
}

// MachineInfo is one entry of the machine listing. Token material itself is
// never listed, only whether and until when one is valid.
type MachineInfo struct {
	ID          string `json:"id"`
	BackendHost string `json:"backend_host"`
	BackendPort int    `json:"backend_port"`
	HasToken    bool   `json:"has_token"`
	ValidUntil  string `json:"valid_until,omitempty"`
}

// ConsoleTokenResponse is returned when a console token is issued.
type ConsoleTokenResponse struct {
	MachineID  string `json:"machine_id"`
	Token      string `json:"token"`
	ValidUntil string `json:"valid_until"`
}

// Error is the admin API error body.
type Error struct {
	Error string `json:"error"`
}
