package geofencing

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ViolationType is the fixed set of violation categories stored on a Violation.
type ViolationType string

const (
	ViolationExitZone            ViolationType = "EXIT_ZONE"
	ViolationUnauthorizedParking ViolationType = "UNAUTHORIZED_PARKING"
	ViolationSpeedLimit          ViolationType = "SPEED_LIMIT"
)

// DefaultRawViolationType is assumed when an event carries no type tag.
const DefaultRawViolationType = "exit"

var violationTypeAliases = map[string]ViolationType{
	"EXIT":                 ViolationExitZone,
	"EXIT_ZONE":            ViolationExitZone,
	"GEOFENCE_EXIT":        ViolationExitZone,
	"ZONE_EXIT":            ViolationExitZone,
	"UNAUTHORIZED_PARKING": ViolationUnauthorizedParking,
	"PARKING":              ViolationUnauthorizedParking,
	"SPEED_LIMIT":          ViolationSpeedLimit,
	"SPEEDING":             ViolationSpeedLimit,
}

// MapViolationType maps a free-form type tag onto ViolationType. Matching
// ignores case and treats spaces, hyphens and underscores alike. Unrecognized
// tags map to ViolationExitZone; known is false in that case so callers can
// report the fallback.
func MapViolationType(raw string) (vt ViolationType, known bool) {
	if strings.TrimSpace(raw) == "" {
		raw = DefaultRawViolationType
	}
	if vt, ok := violationTypeAliases[violationTypeKey(raw)]; ok {
		return vt, true
	}
	return ViolationExitZone, false
}

func violationTypeKey(raw string) string {
	// cases.Caser is stateful, so one per call.
	upper := cases.Upper(language.Und).String(raw)
	parts := strings.FieldsFunc(upper, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	})
	return strings.Join(parts, "_")
}
