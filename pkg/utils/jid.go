package utils

import "strings"

// IsGroupJID reports whether a JID addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}

// IsPhoneJID reports whether a JID is a phone-number identity.
func IsPhoneJID(jid string) bool {
	return strings.HasSuffix(jid, "@s.whatsapp.net")
}

// IsLIDJID reports whether a JID is a pseudonymous @lid identity.
func IsLIDJID(jid string) bool {
	return strings.HasSuffix(jid, "@lid")
}
