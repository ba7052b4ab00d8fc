package audit

import "strings"

// credentialMarkers flag parameter names whose values must never reach the
// audit trail in full.
var credentialMarkers = []string{
	"token", "key", "password", "secret", "credential", "authorization",
}

const redactPrefixLen = 4

// Redact returns a copy of params with credential-shaped values truncated to
// a fixed-length prefix plus a mask. The input map is never modified.
func Redact(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		if credentialKey(k) {
			out[k] = mask(v)
			continue
		}
		out[k] = v
	}
	return out
}

func credentialKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range credentialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func mask(v string) string {
	if len(v) <= redactPrefixLen {
		return "****"
	}
	return v[:redactPrefixLen] + "****"
}
