package findings

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/types"
)

func seedCatalog(store *memoryStore) {
	for _, p := range []types.VulnerabilityPattern{
		{CVEID: "CVE-2024-0001", Language: "go", Summary: "nil map write", VulnerablePattern: "m[k] = v", FixedPattern: "if m == nil {...}"},
		{CVEID: "CVE-2024-0002", Language: "go", Summary: "path traversal", VulnerablePattern: "filepath.Join(root, userInput)", FixedPattern: "filepath.Clean + prefix check"},
		{CVEID: "CVE-2024-0003", Language: "go", Summary: "ssrf", VulnerablePattern: "http.Get(userURL)", FixedPattern: "allowlist"},
		{CVEID: "CVE-2024-0100", Language: "python", Summary: "pickle load", VulnerablePattern: "pickle.loads", FixedPattern: "json.loads"},
	} {
		store.UpsertPattern(context.Background(), &p)
	}
}

func commitRequest() CommitRequest {
	return CommitRequest{
		RepositoryURL: "https://github.com/acme/widget",
		CommitID:      "abc123",
		Diff:          "+path := filepath.Join(root, r.URL.Query().Get(\"f\"))",
		Language:      "go",
		AffectedFiles: []string{"server.go"},
	}
}

func TestAnalyzeCommitRunsOnlySelectedPatterns(t *testing.T) {
	store := newMemoryStore()
	seedCatalog(store)

	o := newScriptedOracle()
	o.replies[StagePrefilter] = `{"cveIds": ["CVE-2024-0002", "CVE-1999-9999", "cve-2024-0001", "CVE-2024-0002"], "reason": "join on user input"}`
	o.replies[StagePresence] = rootCauseReply(0.8)
	o.replies[StageFixGeneration] = fixReply
	o.replies[StageFixVerification] = verificationReply(0.9)

	m := NewMachine(o, store, DefaultConfig(), nil)
	findings, err := m.AnalyzeCommit(context.Background(), commitRequest())
	if err != nil {
		t.Fatalf("AnalyzeCommit() error = %v", err)
	}

	var got []string
	for _, f := range findings {
		got = append(got, f.CVEID)
		if f.Status != types.FindingFixConfirmed {
			t.Errorf("%s status = %s", f.CVEID, f.Status)
		}
	}
	sort.Strings(got)
	if diff := cmp.Diff([]string{"CVE-2024-0001", "CVE-2024-0002"}, got); diff != "" {
		t.Errorf("analysed patterns mismatch (-want +got):\n%s", diff)
	}

	if n := o.count(StagePresence); n != 2 {
		t.Errorf("presence calls = %d, want 2", n)
	}
	for _, p := range o.prompts {
		if stageOf(p) == StagePresence && strings.Contains(p, "CVE-2024-0003") {
			t.Error("pattern not returned by the pre-filter was examined")
		}
		if stageOf(p) == StagePrefilter && strings.Contains(p, "CVE-2024-0100") {
			t.Error("pre-filter prompt includes patterns of another language")
		}
	}

	for _, f := range findings {
		if _, err := store.GetFinding(context.Background(), f.ID); err != nil {
			t.Errorf("finding %s not persisted: %v", f.CVEID, err)
		}
	}
}

func TestAnalyzeCommitPrefilterFailureYieldsNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(o *scriptedOracle)
	}{
		{name: "unparseable", setup: func(o *scriptedOracle) { o.replies[StagePrefilter] = "Nothing stands out." }},
		{name: "oracle down", setup: func(o *scriptedOracle) { o.errs[StagePrefilter] = errors.NewTransientf("overloaded") }},
		{name: "empty selection", setup: func(o *scriptedOracle) { o.replies[StagePrefilter] = `{"cveIds": []}` }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			seedCatalog(store)
			o := newScriptedOracle()
			tt.setup(o)

			findings, err := NewMachine(o, store, DefaultConfig(), nil).AnalyzeCommit(context.Background(), commitRequest())
			if err != nil {
				t.Fatalf("AnalyzeCommit() error = %v", err)
			}
			if len(findings) != 0 {
				t.Errorf("findings = %d, want 0", len(findings))
			}
			if n := o.count(StagePresence); n != 0 {
				t.Errorf("presence calls = %d, want 0", n)
			}
			if store.saves != 0 {
				t.Errorf("saves = %d, want 0", store.saves)
			}
		})
	}
}

func TestAnalyzeCommitEmptyCatalog(t *testing.T) {
	o := newScriptedOracle()
	req := commitRequest()
	req.Language = "rust"

	store := newMemoryStore()
	seedCatalog(store)

	findings, err := NewMachine(o, store, DefaultConfig(), nil).AnalyzeCommit(context.Background(), req)
	if err != nil || findings != nil {
		t.Errorf("AnalyzeCommit() = %v, %v", findings, err)
	}
	if n := o.count(StagePrefilter); n != 0 {
		t.Errorf("pre-filter called %d times for an empty catalog", n)
	}
}

func TestAnalyzeCommitMixedOutcomes(t *testing.T) {
	store := newMemoryStore()
	seedCatalog(store)

	o := newScriptedOracle()
	o.replies[StagePrefilter] = `{"cveIds": ["CVE-2024-0001", "CVE-2024-0002", "CVE-2024-0003"]}`
	o.replies[StagePresence] = rootCauseReply(0.4)

	findings, err := NewMachine(o, store, Config{CommitConcurrency: 2}, nil).AnalyzeCommit(context.Background(), commitRequest())
	if err != nil {
		t.Fatalf("AnalyzeCommit() error = %v", err)
	}
	if len(findings) != 3 {
		t.Fatalf("findings = %d, want 3", len(findings))
	}
	for _, f := range findings {
		if f.Status != types.FindingHumanReview || !f.RequiresHumanReview {
			t.Errorf("%s = %s flagged=%v", f.CVEID, f.Status, f.RequiresHumanReview)
		}
	}
	if n := o.count(StageFixGeneration); n != 0 {
		t.Errorf("fix generation called %d times", n)
	}
}
