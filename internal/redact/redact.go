// Package redact masks credential material before process metadata or error
// text leaves the engine.
package redact

import (
	"regexp"
	"strings"
)

// Placeholder replaces redacted values.
const Placeholder = "[redacted]"

var (
	// sensitiveKeyRegex matches environment variable names that commonly
	// carry credentials.
	sensitiveKeyRegex = regexp.MustCompile(`(?i)(token|secret|password|passwd|credential|api[_-]?key|private[_-]?key|auth)`)

	// bearerRegex matches inline bearer credentials in free text.
	bearerRegex = regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/-]+=*`)

	// assignmentRegex matches KEY=value assignments with a sensitive key.
	assignmentRegex = regexp.MustCompile(`(?i)([a-z0-9_]*(?:token|secret|password|passwd|api[_-]?key)[a-z0-9_]*)=\S+`)
)

// SensitiveKey reports whether an environment variable name looks like it
// holds a credential.
func SensitiveKey(key string) bool {
	return sensitiveKeyRegex.MatchString(key)
}

// Env returns a copy of env with the values of sensitive keys masked. A nil
// map stays nil.
func Env(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if SensitiveKey(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// Text masks inline credentials (bearer tokens, KEY=value assignments) in
// free text such as error messages.
func Text(text string) string {
	if text == "" {
		return ""
	}
	text = bearerRegex.ReplaceAllString(text, "Bearer "+Placeholder)
	text = assignmentRegex.ReplaceAllString(text, "$1="+Placeholder)
	return strings.TrimRight(text, " ")
}
