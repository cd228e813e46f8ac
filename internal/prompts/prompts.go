// Package prompts assembles the oracle prompts for the gate, the three
// finding stages and the commit pre-filter. Every prompt ends with the exact
// JSON shape the caller will extract.
package prompts

import (
	"strings"
	"text/template"

	"github.com/daimoniac/bountyline/internal/types"
)

// Subject describes what a staged analysis is about
type Subject struct {
	Origin        types.Origin
	RepositoryURL string
	Title         string
	Description   string
	CommitID      string
	Diff          string
	Language      string
	AffectedFiles []string
}

// Stage is the input to one finding stage. Finding carries the outputs of
// earlier stages.
type Stage struct {
	Subject Subject
	Context string
	Pattern *types.VulnerabilityPattern
	Finding types.Finding
}

// Presence reports whether the stage scores presence of a known pattern
// rather than a root cause.
func (s Stage) Presence() bool {
	return s.Pattern != nil
}

// Prefilter is the input to the commit pre-filter
type Prefilter struct {
	RepositoryURL string
	CommitID      string
	Language      string
	Diff          string
	AffectedFiles []string
	Patterns      []types.VulnerabilityPattern
}

var funcs = template.FuncMap{
	"truncate": truncate,
	"join":     strings.Join,
}

var (
	gateTmpl            = template.Must(template.New("gate").Funcs(funcs).Parse(gateText))
	rootCauseTmpl       = template.Must(template.New("root_cause").Funcs(funcs).Parse(subjectText + rootCauseText))
	fixGenerationTmpl   = template.Must(template.New("fix_generation").Funcs(funcs).Parse(subjectText + fixGenerationText))
	fixVerificationTmpl = template.Must(template.New("fix_verification").Funcs(funcs).Parse(subjectText + fixVerificationText))
	prefilterTmpl       = template.Must(template.New("prefilter").Funcs(funcs).Parse(prefilterText))
)

// Gate builds the admission prompt for a candidate
func Gate(c types.Candidate) (string, error) {
	return render(gateTmpl, c)
}

// RootCause builds the stage-one prompt
func RootCause(s Stage) (string, error) {
	return render(rootCauseTmpl, s)
}

// FixGeneration builds the stage-two prompt
func FixGeneration(s Stage) (string, error) {
	return render(fixGenerationTmpl, s)
}

// FixVerification builds the stage-three prompt
func FixVerification(s Stage) (string, error) {
	return render(fixVerificationTmpl, s)
}

// CommitPrefilter builds the prompt that selects catalog entries for a diff
func CommitPrefilter(p Prefilter) (string, error) {
	return render(prefilterTmpl, p)
}

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

func truncate(n int, s string) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}
