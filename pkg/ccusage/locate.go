package ccusage

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// systemPath is the PATH given to the child in addition to the directory
// holding the binary, so that a "#!/usr/bin/env node" shim finds node.
var systemPath = []string{"/opt/homebrew/bin", "/usr/local/bin", "/usr/bin", "/bin"}

// locate resolves binary to an executable path. Explicit search paths come
// first, then common per-user Node install locations, then PATH.
func locate(binary string, searchPaths []string, home string) (string, error) {
	if strings.ContainsRune(binary, filepath.Separator) {
		if isExecutable(binary) {
			return binary, nil
		}
		return "", exec.ErrNotFound
	}

	for _, dir := range candidateDirs(searchPaths, home) {
		p := filepath.Join(dir, binary)
		if isExecutable(p) {
			return p, nil
		}
	}
	p, err := exec.LookPath(binary)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		return "", errors.New("refusing relative ccusage path")
	}
	return p, nil
}

func candidateDirs(searchPaths []string, home string) []string {
	dirs := append([]string(nil), searchPaths...)
	if home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".volta", "bin"),
			filepath.Join(home, ".bun", "bin"),
			filepath.Join(home, ".npm-global", "bin"),
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".asdf", "shims"),
		)
		// nvm-managed node versions, reverse lexical order.
		nvm, _ := filepath.Glob(filepath.Join(home, ".nvm", "versions", "node", "*", "bin"))
		sort.Sort(sort.Reverse(sort.StringSlice(nvm)))
		dirs = append(dirs, nvm...)
	}
	return append(dirs, "/opt/homebrew/bin", "/usr/local/bin")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// childEnv is the complete environment for the ccusage process.
func childEnv(binaryPath, home string) map[string]string {
	dirs := append([]string{filepath.Dir(binaryPath)}, systemPath...)
	env := map[string]string{"PATH": strings.Join(dirs, string(os.PathListSeparator))}
	if home != "" {
		env["HOME"] = home
	}
	return env
}
