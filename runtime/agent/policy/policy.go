// Package policy decides whether a proposed shell-like command may run
// against the read-only document root. The validator is a pure decision
// engine: it inspects the raw command string and returns an allow/deny
// verdict with a stable reason code, but never spawns a process and never
// logs. Callers (the turn orchestrator) own auditing and enforcement.
//
// Rules apply in a fixed order and the first failure wins: length bounds,
// quote-aware tokenization, verb whitelist, metacharacter screening,
// verb-specific argument screens, and path containment under the root.
package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// Reason is a stable machine-readable code explaining a rejection. Reason
// strings appear verbatim in audit records and client-facing results.
type Reason string

const (
	// ReasonEmpty indicates a blank command.
	ReasonEmpty Reason = "empty"
	// ReasonTooLong indicates the command exceeds the configured length cap.
	ReasonTooLong Reason = "too_long"
	// ReasonMalformed indicates the command could not be tokenized, for
	// example an unterminated quote.
	ReasonMalformed Reason = "malformed"
	// ReasonVerbNotAllowed indicates the first token is not on the verb
	// whitelist.
	ReasonVerbNotAllowed Reason = "verb_not_allowed"
	// ReasonDangerousPattern indicates the command carries shell
	// metacharacters or verb options that could break out of read-only use.
	ReasonDangerousPattern Reason = "dangerous_pattern"
	// ReasonPathEscape indicates a path argument resolves outside the root.
	ReasonPathEscape Reason = "path_escape"
)

type (
	// Decision is the validator's verdict for one command.
	Decision struct {
		// Allowed reports whether the command may be executed.
		Allowed bool
		// Reason is the rejection code. Empty when Allowed.
		Reason Reason
		// Detail is a short human-readable explanation suitable for feeding
		// back to the agent. Empty when Allowed.
		Detail string
		// Tokens is the normalized argument vector the executor must spawn,
		// verb first. Populated only when Allowed, which ties execution to
		// the exact form that passed validation.
		Tokens []string
	}

	// Options configures a Validator.
	Options struct {
		// Root is the absolute directory all path arguments must stay under.
		// Required.
		Root string
		// MaxCommandLength bounds the raw command length in bytes. Defaults
		// to 1000.
		MaxCommandLength int
		// AllowVerbs overrides the built-in verb whitelist when non-empty.
		AllowVerbs []string
		// Resolve maps an absolute path to its symlink-resolved form. It
		// defaults to a filesystem walk that resolves the nearest existing
		// ancestor, so validation catches symlinks pointing outside the
		// root. Tests may inject a pure function.
		Resolve func(path string) (string, error)
	}

	// Validator applies the command admission rules. Safe for concurrent use.
	Validator struct {
		root    string
		maxLen  int
		verbs   map[string]struct{}
		resolve func(path string) (string, error)
	}
)

// defaultVerbs is the read-only command whitelist.
var defaultVerbs = []string{
	"ls", "tree", "find", "cat", "head", "tail", "less", "more",
	"grep", "rg", "awk", "cut", "sort", "uniq", "wc",
	"file", "stat", "du", "pwd",
}

const defaultMaxCommandLength = 1000

// New builds a Validator for the given root. The root must be an absolute
// path; it is cleaned and symlink-resolved once so later containment checks
// compare canonical forms.
func New(opts Options) (*Validator, error) {
	if opts.Root == "" {
		return nil, errors.New("root is required")
	}
	if !filepath.IsAbs(opts.Root) {
		return nil, fmt.Errorf("root %q must be absolute", opts.Root)
	}
	maxLen := opts.MaxCommandLength
	if maxLen <= 0 {
		maxLen = defaultMaxCommandLength
	}
	verbs := opts.AllowVerbs
	if len(verbs) == 0 {
		verbs = defaultVerbs
	}
	resolve := opts.Resolve
	if resolve == nil {
		resolve = resolveExisting
	}
	root := filepath.Clean(opts.Root)
	if resolved, err := resolve(root); err == nil {
		root = resolved
	}
	return &Validator{
		root:    root,
		maxLen:  maxLen,
		verbs:   toSet(verbs),
		resolve: resolve,
	}, nil
}

// Root returns the canonical root directory the validator confines paths to.
func (v *Validator) Root() string { return v.root }

// Validate applies the admission rules to raw and returns the verdict.
// The rules run in order and the first failure wins.
func (v *Validator) Validate(raw string) Decision {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return rejected(ReasonEmpty, "empty command")
	}
	if len(trimmed) > v.maxLen {
		return rejected(ReasonTooLong, fmt.Sprintf("command exceeds %d characters", v.maxLen))
	}

	tokens, err := Tokenize(trimmed)
	if err != nil {
		return rejected(ReasonMalformed, err.Error())
	}
	if len(tokens) == 0 {
		return rejected(ReasonEmpty, "empty command")
	}

	verb := tokens[0]
	if _, ok := v.verbs[verb]; !ok {
		return rejected(ReasonVerbNotAllowed, fmt.Sprintf("command %q is not allowed; use read-only operations", verb))
	}

	if detail, ok := dangerousMeta(trimmed); !ok {
		return rejected(ReasonDangerousPattern, detail)
	}
	if detail, ok := dangerousVerbArgs(verb, tokens[1:]); !ok {
		return rejected(ReasonDangerousPattern, detail)
	}

	for _, arg := range tokens[1:] {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if err := v.containedPath(arg); err != nil {
			return rejected(ReasonPathEscape, fmt.Sprintf("path %q: %v", arg, err))
		}
	}
	return Decision{Allowed: true, Tokens: tokens}
}

func rejected(reason Reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// dangerousMeta screens the raw string for shell metacharacters. Execution
// never goes through a shell, so these can only ever be intent to chain,
// substitute, or redirect; they are rejected outright.
func dangerousMeta(raw string) (string, bool) {
	substrings := []string{";", "&&", "||", "`", "$(", "${", ")", "|", ">", "<"}
	for _, s := range substrings {
		if strings.Contains(raw, s) {
			return fmt.Sprintf("disallowed sequence %q", s), false
		}
	}
	if strings.HasSuffix(raw, "&") {
		return `disallowed sequence "&"`, false
	}
	return "", true
}

// dangerousVerbArgs screens verb-specific escape hatches: find's exec family
// and delete, and awk's process/file primitives.
func dangerousVerbArgs(verb string, args []string) (string, bool) {
	switch verb {
	case "find":
		banned := toSet([]string{"-exec", "-execdir", "-ok", "-okdir", "-delete"})
		for _, a := range args {
			if _, ok := banned[a]; ok {
				return fmt.Sprintf("find option %q is not allowed", a), false
			}
		}
	case "awk":
		script := strings.Join(args, " ")
		if strings.Contains(script, "system(") {
			return "awk system() is not allowed", false
		}
		if strings.Contains(script, "getline <") {
			return "awk getline redirection is not allowed", false
		}
	}
	return "", true
}

// containedPath reports whether arg stays under the root once normalized:
// no ".." segments, absolute arguments must already sit under the root, and
// the symlink-resolved location must not escape it.
func (v *Validator) containedPath(arg string) error {
	for _, seg := range strings.Split(filepath.ToSlash(arg), "/") {
		if seg == ".." {
			return errors.New("path traversal is not allowed")
		}
	}
	abs := arg
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(v.root, abs)
	} else {
		abs = filepath.Clean(abs)
	}
	if !v.under(abs) {
		return errors.New("outside the document root")
	}
	resolved, err := v.resolve(abs)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	if !v.under(resolved) {
		return errors.New("resolves outside the document root")
	}
	return nil
}

func (v *Validator) under(path string) bool {
	return path == v.root || strings.HasPrefix(path, v.root+string(filepath.Separator))
}

// resolveExisting resolves symlinks in path by walking up to the nearest
// existing ancestor and re-joining the remainder. Paths that do not exist
// yet resolve through their deepest existing parent, so a dangling name
// under the root does not fail validation while a symlinked ancestor still
// gets caught.
func resolveExisting(path string) (string, error) {
	suffix := ""
	for p := path; ; {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return filepath.Join(p, suffix), nil
		}
		suffix = filepath.Join(filepath.Base(p), suffix)
		p = parent
	}
}

func toSet[T ~string](values []T) map[T]struct{} {
	set := make(map[T]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}
