// Package orchestrator runs a survey analysis through three dependent phases.
//
// # Architecture
//
// A run advances one phase at a time:
//
//	Foundation → Analysis → Consulting
//
// Each phase is driven by a PhaseHandler and guarded by a small state
// machine:
//
//	NotStarted → Running → AwaitingCheckpoint → Completed | PartiallyFailed
//
// A phase is Completed only after its checkpoint is confirmed saved. A phase
// whose critical unit failed moves to PartiallyFailed, is not checkpointed,
// and stops the run.
//
// # Key Components
//
//   - Orchestrator: Run, Execute, Step, Resume and Status.
//   - foundationHandler: A0 ingest, A1 NPS, A2 confidence, A3 themes, in order.
//   - analysisHandler: three parallel groups (B1-B3, B4-B5, B6-B8), then B9.
//   - consultingHandler: C1-C4 in parallel, then C5, gated by the grade.
//
// # Resuming
//
// Step loads checkpoints in phase order and continues after the latest
// contiguous one, so Resume and the Temporal driver share one code path.
// Outcomes already checkpointed are never recomputed.
//
// # Usage Example
//
//	mgr, _ := checkpoint.NewManager(checkpoint.NewMemoryStorage())
//	o, _ := orchestrator.New(orchestrator.DefaultConfig(), analyzer.Heuristic{}, mgr)
//	agg, err := o.Run(ctx, dataset)
package orchestrator
