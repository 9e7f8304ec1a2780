package config

type SecurityLevel int

const (
	SecurityPublic SecurityLevel = iota // No authentication
	SecurityAccess                      // Access token required
)

// EndpointSecurityConfig maps gRPC methods and HTTP route names to their
// required security level
var EndpointSecurityConfig = map[string]SecurityLevel{
	// Health - Public
	"/grpc.health.v1.Health/Check": SecurityPublic,
	"health":                       SecurityPublic,

	// EngineService - Access Protected
	"/rental.engine.v1.EngineService/GetEquipmentSnapshot": SecurityAccess,
	"/rental.engine.v1.EngineService/CheckAvailability":    SecurityAccess,
	"/rental.engine.v1.EngineService/CommitReservation":    SecurityAccess,
	"/rental.engine.v1.EngineService/ApplyLedgerEntry":     SecurityAccess,
	"/rental.engine.v1.EngineService/TransitionOrder":      SecurityAccess,
	"/rental.engine.v1.EngineService/ComputeSettlement":    SecurityAccess,
}

// GetSecurityLevel returns the security level for a given method
func GetSecurityLevel(method string) SecurityLevel {
	if level, exists := EndpointSecurityConfig[method]; exists {
		return level
	}
	// Default to highest security for unknown endpoints
	return SecurityAccess
}
