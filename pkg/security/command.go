// Copyright 2025 The AgentUse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package security implements the validators that gate every shell
// command and filesystem path before a tool may touch it.
//
// Both validators are side-effect free: they read the filesystem only
// to resolve symlinks, and they never mutate anything.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrCommandSubstitution = errors.New("command substitution is not allowed")
	ErrProcessSubstitution = errors.New("process substitution is not allowed")
	ErrUnterminatedQuote   = errors.New("unterminated quote")
	ErrEmptyCommand        = errors.New("empty command")
)

// CommandValidator vets shell command strings against an allowlist of
// glob patterns and a built-in denylist. The allowlist comes from the
// agent's tools.bash.commands configuration; the denylist is fixed.
type CommandValidator struct {
	Allowlist   []string
	ProjectRoot string
}

// Verdict is the outcome of validating one command string.
type Verdict struct {
	Allowed        bool
	Err            error
	MatchedPattern string
	ResolvedPath   string
}

type token struct {
	text    string
	literal bool // entire token was single-quoted
}

// subCommand is one segment of a compound command. op is the operator
// joining it to the previous segment ("" for the first).
type subCommand struct {
	op     string
	tokens []token
}

// interpreters that must not appear as the bare right-hand side of a
// pipe: `curl … | sh` executes whatever the network returns.
var pipeInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true,
	"python": true, "python3": true,
	"node": true, "perl": true, "ruby": true,
}

var privilegeCommands = map[string]bool{"sudo": true, "su": true, "doas": true}

var systemCommands = map[string]bool{
	"shutdown": true, "reboot": true, "halt": true, "poweroff": true,
}

// devPathExemptions are outside the project root but harmless.
var devPathExemptions = map[string]bool{
	"/dev/null": true, "/dev/stdin": true, "/dev/stdout": true, "/dev/stderr": true,
}

// Validate checks one command string. The zero Verdict with Allowed
// false and a non-nil Err means rejection; Err says why.
func (v *CommandValidator) Validate(cmd string) Verdict {
	if strings.Contains(strings.ReplaceAll(cmd, " ", ""), ":(){") {
		return Verdict{Err: errors.New("fork bomb pattern rejected")}
	}

	subs, err := splitCommand(cmd)
	if err != nil {
		return Verdict{Err: err}
	}
	if len(subs) == 0 {
		return Verdict{Err: ErrEmptyCommand}
	}

	verdict := Verdict{Allowed: true}
	for _, sub := range subs {
		if err := v.checkDenylist(sub); err != nil {
			return Verdict{Err: err}
		}
		if sub.op == "|" && isBareInterpreter(sub) {
			return Verdict{Err: fmt.Errorf("piping into interpreter %q is not allowed", sub.tokens[0].text)}
		}

		resolved, err := v.checkPaths(sub)
		if err != nil {
			return Verdict{Err: err}
		}
		if verdict.ResolvedPath == "" {
			verdict.ResolvedPath = resolved
		}

		// cd inside the project root needs no allowlist entry.
		if sub.tokens[0].text == "cd" {
			target, err := v.checkCD(sub)
			if err != nil {
				return Verdict{Err: err}
			}
			if verdict.ResolvedPath == "" {
				verdict.ResolvedPath = target
			}
			continue
		}

		pattern, ok := v.matchAllowlist(sub)
		if !ok {
			return Verdict{Err: fmt.Errorf("command %q does not match any allowed pattern", subString(sub))}
		}
		if verdict.MatchedPattern == "" {
			verdict.MatchedPattern = pattern
		}
	}
	return verdict
}

// splitCommand tokenizes cmd respecting quoting, splits it on unquoted
// control operators, and rejects substitution constructs outright.
// Single-quoted content is literal; double quotes still interpolate, so
// $(…) and backticks inside them are live and rejected.
func splitCommand(cmd string) ([]subCommand, error) {
	var subs []subCommand
	cur := subCommand{}
	var tok strings.Builder
	started := false
	literal := true

	flush := func() {
		if started {
			cur.tokens = append(cur.tokens, token{text: tok.String(), literal: literal})
			tok.Reset()
			started = false
			literal = true
		}
	}
	flushSub := func(op string) {
		flush()
		if len(cur.tokens) > 0 {
			subs = append(subs, cur)
		}
		cur = subCommand{op: op}
	}

	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case c == '\'':
			j := strings.IndexByte(cmd[i+1:], '\'')
			if j < 0 {
				return nil, ErrUnterminatedQuote
			}
			tok.WriteString(cmd[i+1 : i+1+j])
			started = true
			i += j + 1
		case c == '"':
			j := i + 1
			for j < len(cmd) && cmd[j] != '"' {
				if cmd[j] == '\\' && j+1 < len(cmd) {
					tok.WriteByte(cmd[j+1])
					j += 2
					continue
				}
				if cmd[j] == '`' {
					return nil, ErrCommandSubstitution
				}
				if cmd[j] == '$' && j+1 < len(cmd) && cmd[j+1] == '(' {
					return nil, ErrCommandSubstitution
				}
				tok.WriteByte(cmd[j])
				j++
			}
			if j >= len(cmd) {
				return nil, ErrUnterminatedQuote
			}
			started = true
			literal = false
			i = j
		case c == '\\':
			if i+1 < len(cmd) {
				tok.WriteByte(cmd[i+1])
				started = true
				literal = false
				i++
			}
		case c == '`':
			return nil, ErrCommandSubstitution
		case c == '$':
			if i+1 < len(cmd) && cmd[i+1] == '(' {
				return nil, ErrCommandSubstitution
			}
			tok.WriteByte(c)
			started = true
			literal = false
		case c == '<' || c == '>':
			if i+1 < len(cmd) && cmd[i+1] == '(' {
				return nil, ErrProcessSubstitution
			}
			flush()
			j := i
			for j < len(cmd) && (cmd[j] == '<' || cmd[j] == '>' || cmd[j] == '&') {
				j++
			}
			cur.tokens = append(cur.tokens, token{text: cmd[i:j]})
			i = j - 1
		case c == '&':
			if i+1 < len(cmd) && cmd[i+1] == '&' {
				flushSub("&&")
				i++
			} else {
				flushSub("&")
			}
		case c == '|':
			if i+1 < len(cmd) && cmd[i+1] == '|' {
				flushSub("||")
				i++
			} else {
				flushSub("|")
			}
		case c == ';':
			flushSub(";")
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		default:
			tok.WriteByte(c)
			started = true
			literal = false
		}
	}
	flush()
	if len(cur.tokens) > 0 {
		subs = append(subs, cur)
	}
	if len(subs) == 0 {
		return nil, ErrEmptyCommand
	}
	return subs, nil
}

func (v *CommandValidator) checkDenylist(sub subCommand) error {
	argv0 := filepath.Base(sub.tokens[0].text)

	if privilegeCommands[argv0] {
		return fmt.Errorf("privilege escalation via %q is not allowed", argv0)
	}
	if systemCommands[argv0] {
		return fmt.Errorf("system command %q is not allowed", argv0)
	}
	if strings.HasPrefix(argv0, "mkfs") {
		return fmt.Errorf("filesystem formatting via %q is not allowed", argv0)
	}

	args := sub.tokens[1:]

	if argv0 == "dd" {
		for _, t := range args {
			if strings.HasPrefix(t.text, "of=/dev/") {
				return errors.New("writing to a raw device is not allowed")
			}
		}
	}

	if argv0 == "rm" && hasFlagChar(args, 'r') {
		home, _ := os.UserHomeDir()
		for _, t := range nonFlagArgs(args) {
			clean := filepath.Clean(t)
			if clean == "/" || t == "/*" || t == "~" || t == "~/" || (home != "" && clean == home) {
				return fmt.Errorf("recursive removal of %q is not allowed", t)
			}
		}
	}

	if argv0 == "chmod" {
		recursive := hasLongFlag(args, "-R") || hasLongFlag(args, "--recursive")
		for _, t := range nonFlagArgs(args) {
			if filepath.Clean(t) == "/" {
				return errors.New("chmod on / is not allowed")
			}
			if recursive && t == "777" {
				return errors.New("chmod -R 777 is not allowed")
			}
		}
	}

	if argv0 == "nc" || argv0 == "ncat" || argv0 == "netcat" {
		if hasFlagChar(args, 'e') {
			return errors.New("nc -e is not allowed")
		}
	}

	if (argv0 == "bash" || argv0 == "sh") && hasLongFlag(args, "-i") {
		for _, t := range args {
			if t.text == ">&" || t.text == "<&" {
				return errors.New("interactive shell with redirected io is not allowed")
			}
		}
	}

	for _, t := range sub.tokens {
		if isCredentialPath(t.text) {
			return fmt.Errorf("access to credential file %q is not allowed", t.text)
		}
	}
	return nil
}

// checkPaths resolves every token that looks like a filesystem path and
// rejects the sub-command if any resolves outside the project root.
// Returns the first resolved path for the verdict.
func (v *CommandValidator) checkPaths(sub subCommand) (string, error) {
	first := ""
	for _, t := range sub.tokens {
		if strings.HasPrefix(t.text, "/dev/tcp/") || strings.HasPrefix(t.text, "/dev/udp/") {
			return "", fmt.Errorf("network redirection via %q is not allowed", t.text)
		}
		candidate, ok := pathCandidate(t.text)
		if !ok {
			continue
		}
		if devPathExemptions[candidate] {
			continue
		}
		resolved, err := resolveWithin(candidate, v.ProjectRoot)
		if err != nil {
			return "", err
		}
		if first == "" {
			first = resolved
		}
	}
	return first, nil
}

func (v *CommandValidator) checkCD(sub subCommand) (string, error) {
	args := nonFlagArgs(sub.tokens[1:])
	if len(args) == 0 {
		return "", errors.New("cd without a target leaves the project root")
	}
	return resolveWithin(args[0], v.ProjectRoot)
}

// matchAllowlist returns the most specific allowlist pattern matching
// the sub-command; specificity is the length of the literal prefix
// before the first wildcard.
func (v *CommandValidator) matchAllowlist(sub subCommand) (string, bool) {
	cmdStr := subString(sub)
	best := ""
	bestPrefix := -1
	for _, pattern := range v.Allowlist {
		if !globMatch(pattern, cmdStr) {
			continue
		}
		prefix := pattern
		if i := strings.IndexByte(pattern, '*'); i >= 0 {
			prefix = pattern[:i]
		}
		if len(prefix) > bestPrefix {
			best = pattern
			bestPrefix = len(prefix)
		}
	}
	return best, bestPrefix >= 0
}

func subString(sub subCommand) string {
	parts := make([]string, len(sub.tokens))
	for i, t := range sub.tokens {
		parts[i] = t.text
	}
	return strings.Join(parts, " ")
}

// globMatch treats * as "any run of characters, spaces included", which
// is what allowlist entries like "git push *" mean.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	var re strings.Builder
	re.WriteString("^")
	for i, p := range parts {
		if i > 0 {
			re.WriteString(".*")
		}
		re.WriteString(regexp.QuoteMeta(p))
	}
	re.WriteString("$")
	matched, err := regexp.MatchString(re.String(), s)
	return err == nil && matched
}

func isBareInterpreter(sub subCommand) bool {
	if !pipeInterpreters[filepath.Base(sub.tokens[0].text)] {
		return false
	}
	for _, t := range sub.tokens[1:] {
		if !strings.HasPrefix(t.text, "-") {
			return false
		}
	}
	return true
}

func hasFlagChar(args []token, c byte) bool {
	for _, t := range args {
		if len(t.text) > 1 && t.text[0] == '-' && t.text[1] != '-' &&
			strings.IndexByte(t.text[1:], c) >= 0 {
			return true
		}
	}
	return false
}

func hasLongFlag(args []token, flag string) bool {
	for _, t := range args {
		if t.text == flag {
			return true
		}
	}
	return false
}

func nonFlagArgs(args []token) []string {
	var out []string
	for _, t := range args {
		if !strings.HasPrefix(t.text, "-") {
			out = append(out, t.text)
		}
	}
	return out
}

func isCredentialPath(s string) bool {
	expanded := expandHome(s)
	clean := filepath.Clean(expanded)
	if clean == "/etc/passwd" || clean == "/etc/shadow" {
		return true
	}
	if strings.Contains(clean, "/.ssh/id_") {
		return true
	}
	base := filepath.Base(clean)
	if strings.HasPrefix(base, ".") && strings.HasSuffix(base, "_history") {
		return true
	}
	return false
}

// pathCandidate extracts the filesystem path a token refers to, if any.
// Handles key=value and --flag=value forms; skips URLs and flags.
func pathCandidate(s string) (string, bool) {
	if strings.Contains(s, "://") {
		return "", false
	}
	if i := strings.IndexByte(s, '='); i > 0 {
		s = s[i+1:]
	}
	switch {
	case s == "~" || s == "..":
		return s, true
	case strings.HasPrefix(s, "/"),
		strings.HasPrefix(s, "./"),
		strings.HasPrefix(s, "../"),
		strings.HasPrefix(s, "~/"):
		return s, true
	case strings.HasPrefix(s, "-"):
		return "", false
	case strings.ContainsRune(s, '/'):
		return s, true
	}
	return "", false
}

func expandHome(s string) string {
	if s == "~" || strings.HasPrefix(s, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(s, "~"))
		}
	}
	return s
}

// resolveWithin resolves p (relative paths are relative to root),
// follows symlinks on the existing portion, and errors when the result
// escapes root.
func resolveWithin(p, root string) (string, error) {
	p = expandHome(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	resolved := resolveSymlinks(filepath.Clean(p))

	rootResolved := resolveSymlinks(filepath.Clean(root))
	if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves outside the project root", p)
	}
	return resolved, nil
}

// resolveSymlinks follows symlinks on the longest existing ancestor of
// p and rejoins the non-existing remainder, so paths about to be
// created still resolve sanely.
func resolveSymlinks(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	dir, base := filepath.Split(filepath.Clean(p))
	dir = strings.TrimSuffix(dir, string(filepath.Separator))
	if dir == "" || dir == p {
		return p
	}
	return filepath.Join(resolveSymlinks(dir), base)
}
