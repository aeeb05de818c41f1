package whatsapp

import "strings"

// ErrorKind tags the failure classes the connection runner reacts to.
// Classification is by message text because the client library does not
// expose typed errors for most of these conditions.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindLoggedOut
	KindBadSession
	KindRestart515
	KindBadMac
	KindNoSession
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindLoggedOut:
		return "logged_out"
	case KindBadSession:
		return "bad_session"
	case KindRestart515:
		return "restart_515"
	case KindBadMac:
		return "bad_mac"
	case KindNoSession:
		return "no_session"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// classifyErrorText maps raw error text to an ErrorKind.
func classifyErrorText(text string) ErrorKind {
	s := strings.ToLower(text)
	switch {
	case strings.Contains(s, "logged out"):
		return KindLoggedOut
	case strings.Contains(s, "bad session"):
		return KindBadSession
	case strings.Contains(s, "515"):
		return KindRestart515
	case strings.Contains(s, "no matching sessions found"):
		return KindNoSession
	case strings.Contains(s, "bad mac"), strings.Contains(s, "failed to decrypt message"):
		return KindBadMac
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"):
		return KindTimeout
	default:
		return KindOther
	}
}

// isBadMacText reports whether the text counts toward the decrypt-loop
// circuit breaker window.
func isBadMacText(text string) bool {
	s := strings.ToLower(text)
	return strings.Contains(s, "bad mac") ||
		strings.Contains(s, "failed to decrypt message") ||
		strings.Contains(s, "no matching sessions found")
}

// isNoSessionText reports whether a send failed because the signal
// session for the peer is missing, which a control-plane refresh can fix.
func isNoSessionText(text string) bool {
	return strings.Contains(strings.ToLower(text), "no matching sessions found")
}

// shouldWipeAuthText reports whether the failure invalidated the stored
// credentials beyond repair.
func shouldWipeAuthText(text string) bool {
	s := strings.ToLower(text)
	return strings.Contains(s, "logged out") || strings.Contains(s, "bad session")
}
