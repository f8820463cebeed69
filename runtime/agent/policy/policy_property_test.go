package policy_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/docscout/runtime/agent/policy"
)

func TestValidateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	v := newValidator(t, policy.Options{})
	whitelisted := map[string]bool{
		"ls": true, "tree": true, "find": true, "cat": true, "head": true,
		"tail": true, "less": true, "more": true, "grep": true, "rg": true,
		"awk": true, "cut": true, "sort": true, "uniq": true, "wc": true,
		"file": true, "stat": true, "du": true, "pwd": true,
	}

	properties.Property("identical input yields identical decision", prop.ForAll(
		func(command string) bool {
			first := v.Validate(command)
			second := v.Validate(command)
			return first.Allowed == second.Allowed &&
				first.Reason == second.Reason &&
				first.Detail == second.Detail
		},
		gen.AnyString(),
	))

	properties.Property("unknown verbs are rejected before anything else", prop.ForAll(
		func(verb string) bool {
			if verb == "" || whitelisted[verb] || len(verb) > 900 {
				return true
			}
			d := v.Validate(verb + " readme.md")
			return !d.Allowed && d.Reason == policy.ReasonVerbNotAllowed
		},
		gen.AlphaString(),
	))

	properties.Property("parent traversal is always a path escape", prop.ForAll(
		func(name string) bool {
			if name == "" || len(name) > 900 {
				return true
			}
			d := v.Validate("cat ../" + name)
			return !d.Allowed && d.Reason == policy.ReasonPathEscape
		},
		gen.AlphaString(),
	))

	properties.Property("plain reads under the root are allowed", prop.ForAll(
		func(name string) bool {
			if name == "" || len(name) > 900 {
				return true
			}
			d := v.Validate("cat docs/" + name)
			return d.Allowed && d.Reason == policy.Reason("")
		},
		gen.AlphaString(),
	))

	properties.Property("rejections never carry an argument vector", prop.ForAll(
		func(command string) bool {
			d := v.Validate(command)
			if d.Allowed {
				return len(d.Tokens) > 0
			}
			return len(d.Tokens) == 0
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestTokenizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("alpha words round-trip through tokenization", prop.ForAll(
		func(words []string) bool {
			var nonEmpty []string
			for _, w := range words {
				if w != "" {
					nonEmpty = append(nonEmpty, w)
				}
			}
			tokens, err := policy.Tokenize(strings.Join(nonEmpty, " "))
			if err != nil {
				return false
			}
			if len(tokens) != len(nonEmpty) {
				return false
			}
			for i := range tokens {
				if tokens[i] != nonEmpty[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
