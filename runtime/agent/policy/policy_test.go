package policy_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/docscout/runtime/agent/policy"
)

// newValidator builds a validator with a pure identity resolver so rule
// tests never touch the filesystem.
func newValidator(t *testing.T, opts policy.Options) *policy.Validator {
	t.Helper()
	if opts.Root == "" {
		opts.Root = "/workspace/document"
	}
	if opts.Resolve == nil {
		opts.Resolve = func(p string) (string, error) { return p, nil }
	}
	v, err := policy.New(opts)
	require.NoError(t, err)
	return v
}

func TestValidateReasonCodes(t *testing.T) {
	v := newValidator(t, policy.Options{})
	cases := []struct {
		name    string
		command string
		reason  policy.Reason
	}{
		{"blank", "   ", policy.ReasonEmpty},
		{"over length cap", "ls " + strings.Repeat("a", 1001), policy.ReasonTooLong},
		{"unterminated quote", `grep "foo docs/readme.md`, policy.ReasonMalformed},
		{"trailing escape", `cat docs\`, policy.ReasonMalformed},
		{"verb off whitelist", "rm -rf /", policy.ReasonVerbNotAllowed},
		{"editor verb", "vim notes.md", policy.ReasonVerbNotAllowed},
		{"semicolon chain", "ls ; rm -rf /", policy.ReasonDangerousPattern},
		{"and chain", "ls && cat secrets", policy.ReasonDangerousPattern},
		{"or chain", "ls || cat secrets", policy.ReasonDangerousPattern},
		{"pipe", "cat notes.md | wc -l", policy.ReasonDangerousPattern},
		{"redirect out", "cat notes.md > stolen.txt", policy.ReasonDangerousPattern},
		{"append", "cat notes.md >> stolen.txt", policy.ReasonDangerousPattern},
		{"redirect in", "sort < notes.md", policy.ReasonDangerousPattern},
		{"backtick substitution", "ls `id`", policy.ReasonDangerousPattern},
		{"dollar substitution", "ls $(id)", policy.ReasonDangerousPattern},
		{"variable expansion", "cat ${HOME}/notes.md", policy.ReasonDangerousPattern},
		{"background", "du -sh . &", policy.ReasonDangerousPattern},
		{"find exec", "find . -exec cat {} +", policy.ReasonDangerousPattern},
		{"find delete", "find . -name tmp -delete", policy.ReasonDangerousPattern},
		{"awk system", `awk '{x = system("id"}' notes.md`, policy.ReasonDangerousPattern},
		{"absolute escape", "cat /etc/passwd", policy.ReasonPathEscape},
		{"dotdot escape", "cat ../../etc/passwd", policy.ReasonPathEscape},
		{"dotdot inside argument", "head docs/../../../etc/hosts", policy.ReasonPathEscape},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := v.Validate(tc.command)
			require.False(t, d.Allowed, "command %q must be rejected", tc.command)
			require.Equal(t, tc.reason, d.Reason)
			require.NotEmpty(t, d.Detail)
			require.Empty(t, d.Tokens)
		})
	}
}

func TestValidateAllowsReadOnlyCommands(t *testing.T) {
	v := newValidator(t, policy.Options{})
	for _, command := range []string{
		"ls",
		"ls -la docs",
		"pwd",
		"find . -name '*.md'",
		"grep -r \"install\" docs",
		"cat docs/readme.md",
		"head -n 20 docs/readme.md",
		"wc -l docs/readme.md",
		"stat docs",
		"awk '{print $1}' docs/readme.md",
	} {
		d := v.Validate(command)
		require.True(t, d.Allowed, "command %q must be allowed: %s", command, d.Detail)
		require.Empty(t, d.Reason)
		require.NotEmpty(t, d.Tokens)
	}
}

func TestValidateTokensMatchTokenizer(t *testing.T) {
	v := newValidator(t, policy.Options{})
	const command = `grep -r "quick start" docs`
	d := v.Validate(command)
	require.True(t, d.Allowed)
	want, err := policy.Tokenize(command)
	require.NoError(t, err)
	require.Equal(t, want, d.Tokens)
	require.Equal(t, []string{"grep", "-r", "quick start", "docs"}, d.Tokens)
}

func TestValidateAbsolutePathInsideRoot(t *testing.T) {
	v := newValidator(t, policy.Options{})
	d := v.Validate("cat /workspace/document/readme.md")
	require.True(t, d.Allowed, d.Detail)
}

func TestValidateSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("s"), 0o600))
	require.NoError(t, os.Symlink(secret, filepath.Join(root, "link.txt")))

	v, err := policy.New(policy.Options{Root: root})
	require.NoError(t, err)

	d := v.Validate("cat link.txt")
	require.False(t, d.Allowed)
	require.Equal(t, policy.ReasonPathEscape, d.Reason)

	// A dangling name under the root is fine: it resolves through its
	// existing parent and stays contained.
	d = v.Validate("cat missing.txt")
	require.True(t, d.Allowed, d.Detail)
}

func TestValidateVerbOverride(t *testing.T) {
	v := newValidator(t, policy.Options{AllowVerbs: []string{"cat", "tr"}})
	require.True(t, v.Validate("tr -d '\\r' ").Allowed)
	d := v.Validate("ls")
	require.False(t, d.Allowed)
	require.Equal(t, policy.ReasonVerbNotAllowed, d.Reason)
}

func TestValidateCustomLengthCap(t *testing.T) {
	v := newValidator(t, policy.Options{MaxCommandLength: 10})
	d := v.Validate("ls docs/manuals")
	require.False(t, d.Allowed)
	require.Equal(t, policy.ReasonTooLong, d.Reason)
}

func TestNewRequiresAbsoluteRoot(t *testing.T) {
	_, err := policy.New(policy.Options{Root: "relative/root"})
	require.Error(t, err)
	_, err = policy.New(policy.Options{})
	require.Error(t, err)
}

func TestTokenize(t *testing.T) {
	tokens, err := policy.Tokenize(`grep -E 'a b' "c d" plain`)
	require.NoError(t, err)
	require.Equal(t, []string{"grep", "-E", "a b", "c d", "plain"}, tokens)

	tokens, err = policy.Tokenize(`cat ''`)
	require.NoError(t, err)
	require.Equal(t, []string{"cat", ""}, tokens)

	_, err = policy.Tokenize(`cat 'oops`)
	require.Error(t, err)
}
