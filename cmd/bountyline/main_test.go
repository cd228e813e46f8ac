package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/daimoniac/bountyline/internal/config"
	"github.com/daimoniac/bountyline/internal/types"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "bountyline dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestAnalyzeCommitRequiresFlags(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"analyze-commit", "--repo", "https://github.com/acme/widget"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "commit") {
		t.Errorf("Execute() error = %v, want missing commit flag", err)
	}
}

func TestReadDiff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "change.diff")
	if err := os.WriteFile(path, []byte("+strcpy(buf, input);\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := readDiff(strings.NewReader("ignored"), path)
	if err != nil || got != "+strcpy(buf, input);\n" {
		t.Errorf("readDiff(file) = %q, %v", got, err)
	}

	got, err = readDiff(strings.NewReader("from stdin"), "-")
	if err != nil || got != "from stdin" {
		t.Errorf("readDiff(stdin) = %q, %v", got, err)
	}

	if _, err := readDiff(nil, filepath.Join(t.TempDir(), "missing.diff")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPrintFindings(t *testing.T) {
	color.NoColor = true

	confirmed := types.NewFinding(types.OriginCommit, "https://github.com/acme/widget", "abc123", "CVE-2024-0001", "", testTime())
	confirmed.Status = types.FindingFixConfirmed
	confirmed.PresenceConfidence = types.Confidence(0.9)
	confirmed.FixConfidence = types.Confidence(0.85)
	confirmed.AffectedFiles = []string{"src/parse.c"}

	flagged := types.NewFinding(types.OriginCommit, "https://github.com/acme/widget", "abc123", "CVE-2024-0002", "", testTime())
	flagged.Status = types.FindingFixGenerated
	flagged.RequiresHumanReview = true

	opts := &analyzeCommitOptions{repository: "https://github.com/acme/widget", commitID: "abc123"}

	var out bytes.Buffer
	printFindings(&out, opts, []types.Finding{confirmed, flagged})
	text := out.String()

	for _, want := range []string{
		"Commit abc123 in https://github.com/acme/widget",
		"fix_confirmed",
		"CVE-2024-0001",
		"presence 0.90  fix 0.85",
		"files: src/parse.c",
		"CVE-2024-0002  [needs review]",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}

	out.Reset()
	printFindings(&out, opts, nil)
	if !strings.Contains(out.String(), "no catalog pattern applies") {
		t.Errorf("empty output = %q", out.String())
	}
}

func TestGateOptions(t *testing.T) {
	if opts := gateOptions(&config.PipelineConfig{}); len(opts) != 0 {
		t.Errorf("zero rules produced %d options", len(opts))
	}

	pipeline := &config.PipelineConfig{Gate: config.GateRules{ConfidenceThreshold: 0.6, MaxEstimatedMinutes: 240}}
	if opts := gateOptions(pipeline); len(opts) != 2 {
		t.Errorf("got %d options, want 2", len(opts))
	}
}

func TestNewProducers(t *testing.T) {
	pipeline := &config.PipelineConfig{Sources: []config.SourceConfig{
		{Name: "algora", URL: "https://feeds.example.com/algora.json", Platform: "algora"},
		{Name: "huntr", URL: "https://feeds.example.com/huntr.json"},
	}}

	producers := newProducers(pipeline, &runtime{logger: nil})
	if len(producers) != 2 {
		t.Fatalf("got %d producers", len(producers))
	}
	if producers[0].Name() != "algora" || producers[1].Name() != "huntr" {
		t.Errorf("names = %s, %s", producers[0].Name(), producers[1].Name())
	}
}

func testTime() time.Time {
	return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
}
