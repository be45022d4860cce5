package constants

// Error codes carried in the errorCode field of reply packets. Zero means
// success. Codes below 60000 follow HTTP-ish conventions; the 602xx range is
// framework-reserved. Anything else is application-defined.
const (
	Success         uint16 = 0
	BadRequest      uint16 = 400
	StageNotFound   uint16 = 404
	InternalError   uint16 = 500
	Disconnected    uint16 = 60201
	Timeout         uint16 = 60202
	Unauthenticated uint16 = 60203
	DuplicateLogin  uint16 = 60204
	NodeUnreachable uint16 = 60205
	WrongStageType  uint16 = 60206

	// Overloaded is returned when a stage queue is at capacity and refuses
	// new posts.
	Overloaded uint16 = 60207

	// ServiceUnavailable is returned when no live Api node offers the
	// requested ServiceId.
	ServiceUnavailable uint16 = 60208
)

// ErrorName returns a short human-readable name for a framework error code.
// Unknown codes (application-defined) return "application".
func ErrorName(code uint16) string {
	switch code {
	case Success:
		return "success"
	case BadRequest:
		return "bad request"
	case StageNotFound:
		return "stage not found"
	case InternalError:
		return "internal error"
	case Disconnected:
		return "disconnected"
	case Timeout:
		return "timeout"
	case Unauthenticated:
		return "unauthenticated"
	case DuplicateLogin:
		return "duplicate login"
	case NodeUnreachable:
		return "node unreachable"
	case WrongStageType:
		return "wrong stage type"
	case Overloaded:
		return "overloaded"
	case ServiceUnavailable:
		return "service unavailable"
	default:
		return "application"
	}
}
