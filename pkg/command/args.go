package command

import (
	"regexp"
	"strings"
)

// optionRule lists, per program, the options that read or write local files.
type optionRule struct {
	long  []string
	short string
	// short letters whose value may be "-" (stdout).
	stdoutOK string
	// short letters that take no value and may be clustered.
	boolean string
}

var fileURLRe = regexp.MustCompile(`(^|[^a-z0-9+.-])file:`)

var optionRules = map[string]optionRule{
	"curl": {
		long: []string{
			"--output", "--output-dir", "--remote-name", "--remote-name-all", "--config",
			"--upload-file", "--data-binary", "--dump-header", "--trace", "--trace-ascii",
			"--stderr", "--cookie-jar", "--netrc-file", "--unix-socket", "--abstract-unix-socket",
		},
		short:    "oOKTDc",
		stdoutOK: "o",
		boolean:  "sSfLkvIiGgNqjlnpRBZ012346",
	},
	"wget": {
		long: []string{
			"--output-document", "--output-file", "--append-output", "--input-file",
			"--post-file", "--body-file", "--directory-prefix", "--config", "--execute",
		},
		short:    "OoaiPe",
		stdoutOK: "O",
		boolean:  "qvcNrkmpSxb",
	},
	"http": {
		long:    []string{"--download", "--output", "--session", "--session-read-only"},
		short:   "do",
		boolean: "vhbjfFIqSx",
	},
}

func init() {
	optionRules["httpie"] = optionRules["http"]
}

// checkArgs rejects arguments that would reach the local file system.
func checkArgs(program string, args []string) error {
	rule := optionRules[program]
	for i, arg := range args {
		if fileURLRe.MatchString(strings.ToLower(arg)) {
			return reject(ReasonDisallowedArgument, "file URLs are not allowed")
		}
		if isFileReference(arg) {
			return reject(ReasonDisallowedArgument, "file reference %q is not allowed", arg)
		}

		next := ""
		if i+1 < len(args) {
			next = args[i+1]
		}
		switch {
		case strings.HasPrefix(arg, "--"):
			name, value, hasValue := strings.Cut(arg, "=")
			for _, denied := range rule.long {
				if name != denied {
					continue
				}
				if !hasValue {
					value = next
				}
				if value == "-" && rule.stdoutOK != "" && strings.HasPrefix(denied, "--output") {
					continue
				}
				return reject(ReasonDisallowedArgument, "option %q is not allowed", name)
			}
		case len(arg) > 1 && arg[0] == '-':
			if err := checkShortFlags(rule, arg[1:], next); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkShortFlags scans a cluster such as "-sSo". Boolean letters may be
// followed by more letters; any other letter takes the rest of the token, or
// the next token, as its value.
func checkShortFlags(rule optionRule, cluster, next string) error {
	for j := 0; j < len(cluster); j++ {
		c := cluster[j]
		if !strings.ContainsRune(rule.short, rune(c)) {
			if strings.ContainsRune(rule.boolean, rune(c)) {
				continue
			}
			return nil
		}
		value := cluster[j+1:]
		if value == "" {
			value = next
		}
		if value == "-" && strings.ContainsRune(rule.stdoutOK, rune(c)) {
			return nil
		}
		return reject(ReasonDisallowedArgument, "option \"-%c\" is not allowed", c)
	}
	return nil
}

// isFileReference matches curl "@path" data arguments and the httpie
// "field=@path", "field:=@path" and "field@path" forms.
func isFileReference(arg string) bool {
	if len(arg) > 1 && arg[0] == '@' {
		return true
	}
	if strings.Contains(arg, "=@") {
		return true
	}
	if strings.HasPrefix(arg, "-") || strings.Contains(arg, "://") {
		return false
	}
	// httpie "field@/path" file upload.
	if i := strings.IndexByte(arg, '@'); i > 0 {
		rest := arg[i+1:]
		return strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, "./") || strings.HasPrefix(rest, "~")
	}
	return false
}
