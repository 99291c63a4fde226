package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/agenc-labs/agenc-core/pkg/audit"
	"github.com/agenc-labs/agenc-core/pkg/config"
	"github.com/agenc-labs/agenc-core/pkg/incident"
	"github.com/agenc-labs/agenc-core/pkg/rbac"
	"github.com/agenc-labs/agenc-core/pkg/replay"
	"github.com/agenc-labs/agenc-core/pkg/replay/backfill"
)

// operatorRole resolves the caller's role for RBAC-gated subcommands.
func operatorRole(fs *flag.FlagSet) *string {
	def := os.Getenv("AGENC_ROLE")
	if def == "" {
		def = string(rbac.RoleRead)
	}
	return fs.String("role", def, "operator role (read|investigate|execute|admin)")
}

func requireRole(s *subsystems, role string, cmd rbac.Command, stderr io.Writer) bool {
	if err := s.matrix.Require(rbac.Role(role), cmd); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return false
	}
	return true
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// runIngest performs one backfill pass over a local file of raw events.
func runIngest(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	events := fs.String("events", "", "path to a JSON array of raw events")
	toSlot := fs.Uint64("to", 0, "inclusive upper slot bound")
	pageSize := fs.Int("page-size", 100, "events per page")
	strict := fs.Bool("strict", false, "abort on the first unknown event")
	role := operatorRole(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *events == "" {
		fmt.Fprintln(stderr, "ingest: -events is required")
		return 2
	}

	ctx := context.Background()
	s, err := buildSubsystems(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "wiring failed: %v\n", err)
		return 1
	}
	defer s.close(ctx)
	if !requireRole(s, *role, rbac.CommandReplayBackfill, stderr) {
		return 3
	}

	fetcher, err := newFileFetcher(*events)
	if err != nil {
		fmt.Fprintf(stderr, "ingest: %v\n", err)
		return 1
	}

	svc := backfill.New(
		backfill.Config{PageSize: *pageSize, Strict: *strict, Retry: backfill.DefaultRetry()},
		s.store, fetcher, s.dispatcher,
		backfill.WithLogger(s.logger),
		backfill.WithMetrics(s.sink),
	)
	res, err := svc.Run(ctx, *toSlot)
	if err != nil {
		fmt.Fprintf(stderr, "ingest failed: %v\n", err)
		return 1
	}
	printJSON(stdout, res)
	return 0
}

// fileFetcher serves pages out of a raw-event dump, mainly for replaying
// exported event logs into a local store.
type fileFetcher struct {
	events []map[string]any
}

func newFileFetcher(path string) (*fileFetcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []map[string]any
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	return &fileFetcher{events: events}, nil
}

func (f *fileFetcher) FetchPage(_ context.Context, cursor *replay.Cursor, toSlot uint64, pageSize int) (backfill.Page, error) {
	start := 0
	if cursor != nil {
		for i, raw := range f.events {
			if eventCursor(raw).SamePosition(*cursor) {
				start = i + 1
				break
			}
		}
	}

	var page backfill.Page
	for i := start; i < len(f.events); i++ {
		raw := f.events[i]
		slot, _ := raw["slot"].(float64)
		if toSlot > 0 && uint64(slot) > toSlot {
			break
		}
		page.Events = append(page.Events, raw)
		c := eventCursor(raw)
		page.NextCursor = &c
		if len(page.Events) >= pageSize {
			break
		}
	}
	page.Done = start+len(page.Events) >= len(f.events)
	return page, nil
}

func eventCursor(raw map[string]any) replay.Cursor {
	slot, _ := raw["slot"].(float64)
	sig, _ := raw["signature"].(string)
	name, _ := raw["eventName"].(string)
	return replay.Cursor{Slot: uint64(slot), Signature: sig, EventName: name}
}

// runCompare diffs the projected timeline for a task against a local
// trajectory trace file.
func runCompare(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)
	fs.SetOutput(stderr)
	taskID := fs.String("task", "", "task id to compare")
	local := fs.String("local", "", "path to the local trajectory trace")
	mode := fs.String("mode", string(replay.ModeStrict), "join mode: strict or lenient")
	role := operatorRole(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *taskID == "" || *local == "" {
		fmt.Fprintln(stderr, "compare: -task and -local are required")
		return 2
	}

	ctx := context.Background()
	s, err := buildSubsystems(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "wiring failed: %v\n", err)
		return 1
	}
	defer s.close(ctx)
	if !requireRole(s, *role, rbac.CommandReplayCompare, stderr) {
		return 3
	}

	projected, err := s.store.Query(ctx, replay.Filter{TaskID: *taskID})
	if err != nil {
		fmt.Fprintf(stderr, "query store: %v\n", err)
		return 1
	}

	trace, err := loadTrace(*local)
	if err != nil {
		fmt.Fprintf(stderr, "compare: %v\n", err)
		return 1
	}

	res, err := replay.Compare(projected, trace.Records, replay.CompareMode(*mode))
	if err != nil {
		fmt.Fprintf(stderr, "compare failed: %v\n", err)
		return 1
	}
	printJSON(stdout, res)
	if !res.Clean() {
		return 1
	}
	return 0
}

func loadTrace(path string) (*replay.TrajectoryTrace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return replay.ParseTrace(data)
}

// runIncident builds an incident case for a task from the store, folding
// in anomalies from an optional local trace comparison.
func runIncident(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("incident", flag.ContinueOnError)
	fs.SetOutput(stderr)
	taskID := fs.String("task", "", "task id to build the case for")
	local := fs.String("local", "", "optional local trace to diff for anomalies")
	role := operatorRole(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *taskID == "" {
		fmt.Fprintln(stderr, "incident: -task is required")
		return 2
	}

	ctx := context.Background()
	s, err := buildSubsystems(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "wiring failed: %v\n", err)
		return 1
	}
	defer s.close(ctx)
	if !requireRole(s, *role, rbac.CommandReplayIncident, stderr) {
		return 3
	}

	records, err := s.store.Query(ctx, replay.Filter{TaskID: *taskID})
	if err != nil {
		fmt.Fprintf(stderr, "query store: %v\n", err)
		return 1
	}

	var anomalies []replay.Anomaly
	if *local != "" {
		trace, err := loadTrace(*local)
		if err != nil {
			fmt.Fprintf(stderr, "incident: %v\n", err)
			return 1
		}
		res, err := replay.Compare(records, trace.Records, replay.ModeStrict)
		if err != nil {
			fmt.Fprintf(stderr, "incident: compare: %v\n", err)
			return 1
		}
		anomalies = res.Anomalies
	}

	builder := incident.NewBuilder(
		incident.WithLogger(s.logger),
		incident.WithMetrics(s.sink),
	)
	c, err := builder.Build(*taskID, records, anomalies)
	if err != nil {
		fmt.Fprintf(stderr, "incident build failed: %v\n", err)
		return 1
	}
	out, err := c.Serialize()
	if err != nil {
		fmt.Fprintf(stderr, "incident serialize failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

// runAudit verifies an exported audit trail or packages one into an
// evidence bundle.
func runAudit(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "audit: expected 'verify' or 'export'")
		return 2
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("audit "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "", "path to an exported audit trail (JSON)")
	out := fs.String("out", "", "output path (export only, default stdout)")
	role := operatorRole(fs)
	if err := fs.Parse(rest); err != nil {
		return 2
	}
	if *in == "" {
		fmt.Fprintln(stderr, "audit: -in is required")
		return 2
	}

	ctx := context.Background()
	s, err := buildSubsystems(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "wiring failed: %v\n", err)
		return 1
	}
	defer s.close(ctx)
	if !requireRole(s, *role, rbac.CommandReplayExport, stderr) {
		return 3
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(stderr, "audit: %v\n", err)
		return 1
	}
	trail := audit.NewTrail(audit.WithLogger(s.logger))
	if err := trail.ImportJSON(data); err != nil {
		fmt.Fprintf(stderr, "audit: import: %v\n", err)
		return 1
	}

	switch sub {
	case "verify":
		res := trail.Verify()
		printJSON(stdout, res)
		if !res.Valid {
			return 1
		}
		return 0
	case "export":
		bundle, err := trail.ExportBundle()
		if err != nil {
			fmt.Fprintf(stderr, "audit: export: %v\n", err)
			return 1
		}
		if *out == "" {
			printJSON(stdout, bundle)
			return 0
		}
		data, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "audit: %v\n", err)
			return 1
		}
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			fmt.Fprintf(stderr, "audit: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "bundle %s written to %s\n", bundle.BundleID, *out)
		return 0
	default:
		fmt.Fprintf(stderr, "audit: unknown subcommand %q\n", sub)
		return 2
	}
}

// runProfiles lists the profiles loadable under the configured directory.
func runProfiles(_ []string, stdout, stderr io.Writer) int {
	proc := config.LoadProcess()
	profiles, err := config.LoadAllProfiles(proc.ProfilesDir)
	if err != nil {
		fmt.Fprintf(stderr, "profiles: %v\n", err)
		return 1
	}
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(stdout, name)
	}
	return 0
}
