package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/agenc-labs/agenc-core/pkg/agent"
	"github.com/agenc-labs/agenc-core/pkg/candidates"
	"github.com/agenc-labs/agenc-core/pkg/escalation"
	"github.com/agenc-labs/agenc-core/pkg/task"
	"github.com/agenc-labs/agenc-core/pkg/verifierlane"
)

// runServe starts the agent loop. The chain client, executor, and
// verifier are external collaborators; without one wired in, the only
// runnable configuration is the in-process demo chain.
func runServe(_ []string, stdout, stderr io.Writer) int {
	if os.Getenv("AGENC_DEMO") == "1" {
		return runDemo(nil, stdout, stderr)
	}
	fmt.Fprintln(stderr, "no chain client configured; run 'agencd demo' or set AGENC_DEMO=1")
	return 2
}

// runDemo runs the full loop against an in-process chain emitting a
// handful of synthetic tasks, then shuts down cooperatively.
func runDemo(_ []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildSubsystems(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "wiring failed: %v\n", err)
		return 1
	}
	defer s.close(context.Background())

	laneCfg := s.runtime.Verifier
	if !laneCfg.Enabled {
		laneCfg.Enabled = true
	}
	if laneCfg.Base.MaxRetries == 0 && laneCfg.Base.MaxDurationMs == 0 {
		laneCfg.Base.MaxRetries = 2
		laneCfg.Base.MaxDurationMs = 60_000
		laneCfg.Base.MinConfidence = 0.5
	}

	executor := candidates.ExecutorFunc(func(_ context.Context, t task.Task) ([]*big.Int, error) {
		return []*big.Int{new(big.Int).SetUint64(t.RewardLamports)}, nil
	})
	verifier := verifierlane.VerifierFunc(func(_ context.Context, req verifierlane.VerifyRequest) (verifierlane.Outcome, error) {
		return verifierlane.Outcome{Verdict: escalation.VerdictPass, Confidence: 0.9}, nil
	})
	lane := verifierlane.New(laneCfg, executor, verifier,
		verifierlane.WithLogger(s.logger),
		verifierlane.WithMetrics(s.sink),
	)

	chain := newDemoChain(4)
	a := agent.New(s.runtime.Agent, chain, lane,
		agent.WithLogger(s.logger),
		agent.WithMetrics(s.sink),
		agent.WithOnOutcome(func(o agent.Outcome) {
			fmt.Fprintf(stdout, "task %s passed=%t attempts=%d tx=%s\n",
				o.TaskID, o.Passed, o.Attempts, o.CompleteTx)
		}),
	).WithPolicy(s.engine).WithAudit(s.trail)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-chain.drained
		cancel()
	}()

	if err := a.Run(runCtx); err != nil {
		fmt.Fprintf(stderr, "agent loop failed: %v\n", err)
		return 1
	}

	res := s.trail.Verify()
	fmt.Fprintf(stdout, "audit chain: valid=%t entries=%d\n", res.Valid, res.EntriesVerified)
	return 0
}

// demoChain is an in-process ChainClient for local runs.
type demoChain struct {
	count   int
	drained chan struct{}
	claims  chan struct{}
}

func newDemoChain(count int) *demoChain {
	return &demoChain{
		count:   count,
		drained: make(chan struct{}),
		claims:  make(chan struct{}, count*2),
	}
}

func (c *demoChain) SubscribeTasks(ctx context.Context, fn func(task.Task)) error {
	for i := 0; i < c.count; i++ {
		var id task.ID
		id[0] = byte(i + 1)
		fn(task.Task{
			ID:             id,
			RewardLamports: uint64(10 * (i + 1)),
			Type:           task.TypeExclusive,
			MaxWorkers:     1,
			Status:         task.StatusOpen,
		})
	}
	// Wait for every emitted task to reach completion before signaling
	// the demo to wind down.
	for i := 0; i < c.count; i++ {
		select {
		case <-c.claims:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	close(c.drained)
	<-ctx.Done()
	return ctx.Err()
}

func (c *demoChain) ClaimTask(context.Context, task.Task) (string, error) {
	return "demo-claim", nil
}

func (c *demoChain) CompleteTask(context.Context, task.Task, []*big.Int) (string, error) {
	c.claims <- struct{}{}
	return "demo-complete", nil
}

func (c *demoChain) GetSlot(context.Context) (uint64, error) { return 1, nil }
