package reconcile

import (
	"strings"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

// Movement is a normalized ScanEvent type.
type Movement string

const (
	MovementOut     Movement = "OUT"
	MovementIn      Movement = "IN"
	MovementUnknown Movement = "UNKNOWN"
)

// Normalize maps the spellings found in historical rows onto OUT / IN.
// Anything else is UNKNOWN and is excluded from pairing.
func Normalize(t store.MovementType) Movement {
	switch strings.ToUpper(strings.TrimSpace(string(t))) {
	case "OUT", "OUTGOING", "EXIT":
		return MovementOut
	case "IN", "INCOMING", "ENTRY":
		return MovementIn
	default:
		return MovementUnknown
	}
}

// NormalizeRequestType folds the request type spellings used by clients.
// Anything that is not a home permission is an outing, including empty and
// unrecognised values from legacy rows.
func NormalizeRequestType(rt string) string {
	switch strings.ToLower(strings.TrimSpace(rt)) {
	case "home", "home-permission", "home_permission", "homepermission":
		return store.RequestTypeHomePermission
	default:
		return store.RequestTypeOuting
	}
}
