// Package testutils carries the shared test scaffolding: a unified-diff
// text asserter for table dumps, the registry dump renderer, and loopback
// wiring helpers.
package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserter needs.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TextAssertOptions controls normalization before comparing.
type TextAssertOptions struct {
	TrimSpace        bool `default:"true"`
	IgnoreEmptyLines bool `default:"false"`
	EnableColors     bool `default:"false"`
}

// TextOption is a functional option for a TextAsserter.
type TextOption func(*TextAssertOptions)

// WithIgnoreEmptyLines drops blank lines before comparing.
func WithIgnoreEmptyLines() TextOption {
	return func(o *TextAssertOptions) { o.IgnoreEmptyLines = true }
}

// WithColors colorizes the unified diff output.
func WithColors() TextOption {
	return func(o *TextAssertOptions) { o.EnableColors = true }
}

// TextAsserter compares multi-line text against an expectation and
// reports mismatches as a unified diff, which reads far better than
// assert.Equal on table dumps.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

// NewTextAsserter creates an asserter with default options.
func NewTextAsserter(t *testing.T, opts ...TextOption) *TextAsserter {
	ta := &TextAsserter{t: t}
	defaults.SetDefaults(&ta.options)
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// Assert fails the test with a unified diff when actual differs from
// expected after normalization.
func (ta *TextAsserter) Assert(actual, expected string) {
	a, e := ta.normalize(actual), ta.normalize(expected)
	if a == e {
		return
	}
	edits := myers.ComputeEdits("", e, a)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
	ta.t.Errorf("Text mismatch:\n%s", ta.colorize(unified))
}

func (ta *TextAsserter) normalize(text string) string {
	if ta.options.TrimSpace {
		text = strings.TrimSpace(text)
	}
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if ta.options.IgnoreEmptyLines && line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func (ta *TextAsserter) colorize(diff string) string {
	if !ta.options.EnableColors {
		return diff
	}
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}
