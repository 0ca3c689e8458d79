package command

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	identRe      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	providerIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

// reservedEnv are names that change how a child process is launched or
// resolved. Compared case-insensitively.
var reservedEnv = []string{"PATH", "HOME", "SHELL", "IFS", "ENV", "BASH_ENV", "CDPATH", "TMPDIR"}

var reservedEnvPrefixes = []string{"LD_", "DYLD_"}

// ValidateEnv checks a provider env map.
func ValidateEnv(env map[string]string) error {
	for key, value := range env {
		if !identRe.MatchString(key) {
			return reject(ReasonInvalidEnvironment, "env key %q is not a valid identifier", key)
		}
		if IsReservedEnv(key) {
			return reject(ReasonInvalidEnvironment, "env key %q is reserved", key)
		}
		if strings.ContainsAny(value, "\x00\r\n") {
			return reject(ReasonInvalidEnvironment, "env value for %q contains control characters", key)
		}
	}
	return nil
}

// IsReservedEnv reports whether key names a reserved environment variable.
func IsReservedEnv(key string) bool {
	upper := strings.ToUpper(key)
	for _, r := range reservedEnv {
		if upper == r {
			return true
		}
	}
	for _, p := range reservedEnvPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

// ValidateProviderID checks that id is safe to use as a storage key.
func ValidateProviderID(id string) error {
	if id == "." || id == ".." || !providerIDRe.MatchString(id) {
		return reject(ReasonInvalidProviderID, "provider id %q must be 1-64 letters, digits, '.', '_' or '-'", id)
	}
	return nil
}

// ValidateScript checks the transform script length in characters.
func ValidateScript(script string, maxLen int) error {
	if maxLen > 0 && utf8.RuneCountInString(script) > maxLen {
		return reject(ReasonScriptTooLong, "transform script exceeds %d characters", maxLen)
	}
	return nil
}
