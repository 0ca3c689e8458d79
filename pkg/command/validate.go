// Package command validates user-supplied fetch commands before anything is spawned.
package command

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/google/shlex"
)

// Reason is a stable rejection code.
type Reason string

const (
	ReasonDisallowedProgram  Reason = "disallowedProgram"
	ReasonShellMetacharacter Reason = "shellMetacharacter"
	ReasonUndeclaredVariable Reason = "undeclaredVariable"
	ReasonMalformedQuoting   Reason = "malformedQuoting"
	ReasonDisallowedArgument Reason = "disallowedArgument"
	ReasonEmptyCommand       Reason = "emptyCommand"
	ReasonInvalidEnvironment Reason = "invalidEnvironment"
	ReasonInvalidProviderID  Reason = "invalidProviderId"
	ReasonScriptTooLong      Reason = "scriptTooLong"
)

// RejectionError reports why a provider definition was refused.
type RejectionError struct {
	Reason Reason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func reject(reason Reason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// DefaultPrograms are the HTTP fetching CLIs a provider may invoke.
var DefaultPrograms = []string{"curl", "wget", "http", "httpie"}

// Policy controls which programs a fetch command may name.
type Policy struct {
	AllowedPrograms []string
}

// DefaultPolicy returns the policy allowing DefaultPrograms.
func DefaultPolicy() Policy {
	return Policy{AllowedPrograms: slices.Clone(DefaultPrograms)}
}

func (p Policy) allows(program string) bool {
	allowed := p.AllowedPrograms
	if len(allowed) == 0 {
		allowed = DefaultPrograms
	}
	return slices.Contains(allowed, program)
}

// Command is a validated, tokenized fetch command. Placeholders in Args are
// still unexpanded.
type Command struct {
	Program string
	Args    []string
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// forbidden runes outside placeholder syntax.
const metaChars = ";|&`()<>\n\r\x00"

// Validate parses raw into a Command, checking it against policy and the
// provider's env. It has no side effects and must be called on every run,
// with the same env later passed to Expand.
func Validate(raw string, env map[string]string, policy Policy) (*Command, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, reject(ReasonEmptyCommand, "fetch command is empty")
	}
	if err := checkMetaChars(raw); err != nil {
		return nil, err
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(raw, -1) {
		if _, ok := env[m[1]]; !ok {
			return nil, reject(ReasonUndeclaredVariable, "variable %q is not declared in the provider env", m[1])
		}
	}

	tokens, err := shlex.Split(raw)
	if err != nil {
		return nil, reject(ReasonMalformedQuoting, "%v", err)
	}
	if len(tokens) == 0 {
		return nil, reject(ReasonEmptyCommand, "fetch command is empty")
	}

	program := filepath.Base(strings.ReplaceAll(tokens[0], `\`, "/"))
	if !policy.allows(program) {
		return nil, reject(ReasonDisallowedProgram, "program %q is not allowed", program)
	}
	cmd := &Command{Program: program, Args: tokens[1:]}
	// Arguments are checked after expansion so env values obey the same rules
	// as literal command text.
	if err := checkArgs(program, cmd.Expand(env)[1:]); err != nil {
		return nil, err
	}

	return cmd, nil
}

// checkMetaChars rejects shell metacharacters and any '$' that does not open
// a well-formed ${NAME} placeholder.
func checkMetaChars(raw string) error {
	if i := strings.IndexAny(raw, metaChars); i >= 0 {
		return reject(ReasonShellMetacharacter, "character %q is not allowed", raw[i])
	}
	stripped := placeholderRe.ReplaceAllString(raw, "")
	if strings.Contains(stripped, "$") {
		return reject(ReasonShellMetacharacter, "'$' is only allowed in ${NAME} placeholders")
	}
	return nil
}

// Expand returns the argv with each ${NAME} in the arguments replaced by the
// literal env value. Values are never re-split or interpreted.
func (c *Command) Expand(env map[string]string) []string {
	out := make([]string, 0, len(c.Args)+1)
	out = append(out, c.Program)
	for _, arg := range c.Args {
		out = append(out, placeholderRe.ReplaceAllStringFunc(arg, func(m string) string {
			return env[m[2:len(m)-1]]
		}))
	}
	return out
}
