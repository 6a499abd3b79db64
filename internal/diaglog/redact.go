package diaglog

import "strings"

const redacted = "[REDACTED]"

// secretKey reports whether a payload key names a credential: the
// Authorization header, bot and API tokens, passwords.
func secretKey(k string) bool {
	k = strings.ToLower(k)
	if k == "authorization" || k == "password" || k == "secret" {
		return true
	}
	return strings.HasSuffix(k, "token") || strings.HasSuffix(k, "api_key") || k == "apikey"
}

// Redact returns a copy of v with credential values masked, descending
// into nested maps and slices. Other values are returned as is.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if secretKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = Redact(child)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			if secretKey(k) {
				s = redacted
			}
			out[k] = s
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = Redact(val[i])
		}
		return out
	}
	return v
}
