package types

import (
	"errors"
	"testing"
	"time"

	bterrors "github.com/daimoniac/bountyline/internal/errors"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestParsePlatform(t *testing.T) {
	tests := map[string]Platform{
		"Algora":   PlatformAlgora,
		" github ": PlatformGitHub,
		"immunefi": PlatformImmunefi,
		"myspace":  PlatformOther,
		"":         PlatformOther,
	}
	for in, want := range tests {
		if got := ParsePlatform(in); got != want {
			t.Errorf("ParsePlatform(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCandidateLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := Candidate{ID: "c1", Status: CandidateOpen}

	if c.Claimed() {
		t.Fatal("open candidate must not be claimed")
	}

	started, err := c.Start(now)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !started.Claimed() || started.StartedAt == nil || !started.StartedAt.Equal(now) {
		t.Errorf("unexpected started candidate: %+v", started)
	}
	if c.Status != CandidateOpen {
		t.Error("Start mutated the receiver")
	}

	done, err := started.Complete(now.Add(time.Hour), "pr-7")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Status != CandidateCompleted || done.PullRequestID != "pr-7" {
		t.Errorf("unexpected completed candidate: %+v", done)
	}

	if _, err := done.Fail(now, "late"); !errors.Is(err, bterrors.ErrInvalidTransition) {
		t.Errorf("Fail() after Complete error = %v, want ErrInvalidTransition", err)
	}
	if _, err := started.Start(now); !errors.Is(err, bterrors.ErrInvalidTransition) {
		t.Errorf("second Start() error = %v, want ErrInvalidTransition", err)
	}
}

func TestCandidateFailFromOpen(t *testing.T) {
	c := Candidate{ID: "c2", Status: CandidateOpen}
	failed, err := c.Fail(time.Now(), "repository gone")
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if failed.FailureReason != "repository gone" || failed.Claimed() {
		t.Errorf("unexpected failed candidate: %+v", failed)
	}
}

func TestCandidateScore(t *testing.T) {
	if got := (Candidate{}).Score(); got != 0 {
		t.Errorf("Score() without amount = %v, want 0", got)
	}
	c := Candidate{Amount: &Money{Minor: 20000, Currency: "USD"}}
	if got := c.Score(); got != 200 {
		t.Errorf("Score() = %v, want 200", got)
	}
}

// TestCandidateStatusNeverRegressesProperty applies random transition
// sequences and checks the status rank never decreases.
func TestCandidateStatusNeverRegressesProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("candidate status rank is monotonic", prop.ForAll(
		func(ops []int) bool {
			c := Candidate{ID: "p", Status: CandidateOpen}
			now := time.Now()
			for _, op := range ops {
				before := c.Status.rank()
				var next Candidate
				var err error
				switch op % 3 {
				case 0:
					next, err = c.Start(now)
				case 1:
					next, err = c.Complete(now, "")
				default:
					next, err = c.Fail(now, "x")
				}
				if err != nil {
					if next.Status != c.Status {
						return false
					}
					continue
				}
				if next.Status.rank() <= before {
					return false
				}
				c = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
