package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/oracle"
	"github.com/daimoniac/bountyline/internal/policy"
	"github.com/daimoniac/bountyline/internal/types"
)

func candidate42() types.Candidate {
	amount, _ := types.ParseMoney("200.00", "USD")
	return types.Candidate{
		ID:              "c-42",
		ExternalIssueID: "42",
		Platform:        types.PlatformAlgora,
		RepositoryURL:   "https://github.com/acme/widget",
		Amount:          &amount,
		Title:           "Panic on empty input",
		Status:          types.CandidateOpen,
	}
}

func fixedOracle(reply string) oracle.Oracle {
	return oracle.Func(func(ctx context.Context, prompt string) (string, error) {
		return reply, nil
	})
}

func TestDecideAdmits(t *testing.T) {
	var calls atomic.Int32
	var prompt string
	o := oracle.Func(func(ctx context.Context, p string) (string, error) {
		calls.Add(1)
		prompt = p
		return `{"shouldProcess": true, "confidence": 0.9, "estimatedTimeMinutes": 15, "reason": "small fix"}`, nil
	})

	v := New(o, nil, slog.Default()).Decide(context.Background(), candidate42())

	if !v.Admit {
		t.Fatalf("expected admit, got %+v", v)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one oracle call, got %d", calls.Load())
	}
	if v.Confidence != 0.9 || v.EstimatedTimeMinutes == nil || *v.EstimatedTimeMinutes != 15 {
		t.Errorf("unexpected verdict fields: %+v", v)
	}
	if !strings.Contains(prompt, "200.00 USD") {
		t.Errorf("prompt should include the reward:\n%s", prompt)
	}
}

func TestDecideRejections(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		opts     []Option
		category string
	}{
		{
			name:     "oracle declines",
			reply:    `{"shouldProcess": false, "confidence": 0.95, "reason": "feature request"}`,
			category: ReasonDeclined,
		},
		{
			name:     "missing shouldProcess means no",
			reply:    `{"confidence": 0.95}`,
			category: ReasonDeclined,
		},
		{
			name:     "below threshold",
			reply:    `{"shouldProcess": true, "confidence": 0.5}`,
			opts:     []Option{WithConfidenceThreshold(0.6)},
			category: ReasonLowConfidence,
		},
		{
			name:     "estimate too long",
			reply:    `{"shouldProcess": true, "confidence": 0.9, "estimatedTimeMinutes": 240}`,
			opts:     []Option{WithMaxEstimatedMinutes(120)},
			category: ReasonTooLong,
		},
		{
			name:     "missing estimate with limit",
			reply:    `{"shouldProcess": true, "confidence": 0.9}`,
			opts:     []Option{WithMaxEstimatedMinutes(120)},
			category: ReasonTooLong,
		},
		{
			name:     "unparseable",
			reply:    `I think this looks promising!`,
			category: ReasonParseError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(fixedOracle(tt.reply), nil, slog.Default()).Decide(context.Background(), candidate42(), tt.opts...)
			if v.Admit {
				t.Fatalf("expected reject, got %+v", v)
			}
			if v.Category != tt.category {
				t.Errorf("expected category %s, got %s (%s)", tt.category, v.Category, v.Reason)
			}
			if v.Reason == "" {
				t.Error("rejection must record a reason")
			}
		})
	}
}

func TestDecideMissingEstimateWithoutLimitAdmits(t *testing.T) {
	v := New(fixedOracle(`{"shouldProcess": true, "confidence": 0.3}`), nil, nil).Decide(context.Background(), candidate42())
	if !v.Admit {
		t.Errorf("default options should trust shouldProcess, got %+v", v)
	}
}

func TestDecideFailSafe(t *testing.T) {
	t.Run("oracle error", func(t *testing.T) {
		o := oracle.Func(func(ctx context.Context, prompt string) (string, error) {
			return "", errors.NewTransientf("503 service unavailable")
		})
		v := New(o, nil, nil).Decide(context.Background(), candidate42())
		if v.Admit || v.Category != ReasonOracleError {
			t.Errorf("expected oracle error reject, got %+v", v)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		o := oracle.Func(func(ctx context.Context, prompt string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		v := New(o, nil, nil).Decide(ctx, candidate42())
		if v.Admit {
			t.Errorf("timeout must reject, got %+v", v)
		}
		if !strings.Contains(v.Reason, "deadline") {
			t.Errorf("reason should record the timeout, got %q", v.Reason)
		}
	})
}

func TestDecidePolicy(t *testing.T) {
	reply := `{"shouldProcess": true, "confidence": 0.9, "estimatedTimeMinutes": 15}`

	strict, err := policy.NewEngine(nil, policy.PolicyConfig{
		Expression:     `amount >= 500.0`,
		FailureMessage: "reward below policy floor",
	})
	if err != nil {
		t.Fatal(err)
	}
	v := New(fixedOracle(reply), strict, nil).Decide(context.Background(), candidate42())
	if v.Admit || v.Category != ReasonPolicy || v.Reason != "reward below policy floor" {
		t.Errorf("expected policy reject, got %+v", v)
	}

	lenient, err := policy.NewEngine(nil, policy.PolicyConfig{Expression: `platform == "algora" && estimatedTimeMinutes <= 30`})
	if err != nil {
		t.Fatal(err)
	}
	v = New(fixedOracle(reply), lenient, nil).Decide(context.Background(), candidate42())
	if !v.Admit {
		t.Errorf("expected policy admit, got %+v", v)
	}
}

type failingPolicy struct{}

func (failingPolicy) Evaluate(ctx context.Context, input policy.Input) (*policy.PolicyDecision, error) {
	return nil, fmt.Errorf("no such overload")
}

func TestDecidePolicyErrorRejects(t *testing.T) {
	v := New(fixedOracle(`{"shouldProcess": true, "confidence": 1}`), failingPolicy{}, nil).Decide(context.Background(), candidate42())
	if v.Admit || v.Category != ReasonPolicyError {
		t.Errorf("expected policy error reject, got %+v", v)
	}
}

// TestThresholdMonotonicProperty checks that lowering the confidence
// threshold never turns an admit into a reject for the same oracle reply.
func TestThresholdMonotonicProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("admit at t1 implies admit at any t2 <= t1", prop.ForAll(
		func(confidence, t1, delta float64, shouldProcess bool) bool {
			reply := fmt.Sprintf(`{"shouldProcess": %v, "confidence": %f, "estimatedTimeMinutes": 10}`, shouldProcess, confidence)
			g := New(fixedOracle(reply), nil, slog.New(slog.DiscardHandler))
			t2 := t1 - delta

			high := g.Decide(context.Background(), candidate42(), WithConfidenceThreshold(t1))
			low := g.Decide(context.Background(), candidate42(), WithConfidenceThreshold(t2))
			return !high.Admit || low.Admit
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Bool(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
