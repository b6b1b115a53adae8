package geofencing

import "errors"

// Discard reasons and failure classes for a single exit event.
var (
	ErrMalformedLocation   = errors.New("malformed location")
	ErrMalformedTimestamp  = errors.New("malformed timestamp")
	ErrMalformedEvent      = errors.New("malformed event")
	ErrUnresolvableZone    = errors.New("no zone assigned to bike")
	ErrZoneNotFound        = errors.New("zone not found")
	ErrNoGeometry          = errors.New("zone has no usable polygon")
	ErrFalsePositiveExit   = errors.New("location is still inside zone")
	ErrPersistenceConflict = errors.New("violation already recorded")
	ErrTransport           = errors.New("transport failure")
)

// IsMalformed reports whether err means the event could not be parsed.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedLocation) ||
		errors.Is(err, ErrMalformedTimestamp) ||
		errors.Is(err, ErrMalformedEvent)
}
