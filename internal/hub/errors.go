package hub

// protocolError carries a human-readable message to be wrapped in a
// TypeError envelope and sent back to the originating connection. It is
// never a Go error in the panicking sense — validation failures are
// expected, routine traffic.
type protocolError struct {
	message string
}

func (e *protocolError) Error() string { return e.message }

func errf(message string) *protocolError {
	return &protocolError{message: message}
}

// Well-known messages clients match on by exact string, so they must
// not vary between call sites.
const (
	msgInvalidFormat      = "Invalid message format"
	msgInvalidSessionCode = "Invalid session code"
	msgTargetNotConnected = "Target device not connected"
)

func errUserNotFound(identifier string) *protocolError {
	return errf(`User "` + identifier + `" not found or not online`)
}

func errMissingFields(fields ...string) *protocolError {
	msg := "Missing required field"
	if len(fields) > 1 {
		msg += "s"
	}
	msg += ": "
	for i, f := range fields {
		if i > 0 {
			msg += ", "
		}
		msg += f
	}
	return errf(msg)
}
