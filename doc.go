// Package durolow provides a small, embeddable durable workflow execution
// engine for Go.
//
// durolow is built around one idea: a workflow is an ordinary Go function
// composed of named, memoized steps. Each step's result is persisted the
// first time it succeeds, so a workflow can crash or restart mid-execution
// and resume exactly where it left off — completed steps are never
// re-invoked, in-flight steps are resumed with their retry count intact,
// and durable sleeps recompute their remaining wait from what was
// persisted before the restart.
//
// # Core Concepts
//
//  1. Runner
//  2. Step
//  3. Workflow
//  4. Gateway
//
// # Runner
//
// The Runner instantiates workflow definitions, owns their persistent
// WorkflowInstance row, and drives them to a terminal status. Runners can
// be backed by different stores:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis (redis/ submodule)
//   - MongoDB (mongo/ submodule)
//
// # Step
//
// The Step handle is what user workflow code calls to declare durable
// work:
//
//	out, err := step.Do(ctx, "charge-card", func(ctx context.Context) (any, error) {
//	    return chargeCard(ctx, amount)
//	})
//
// Do memoizes by name: calling it again with the same name, in the same or
// a resumed run, returns the previously persisted output without
// re-invoking the function. DoWithOptions adds a retry policy and/or
// timeout. Sleep is a durable timer with the same resumability guarantee.
// api.Do[T] and api.DoWithOptions[T] offer a generically-typed variant of
// the same calls for callers that want static result types.
//
// # Workflow
//
// A Workflow is any type implementing Run(ctx, event, step) (any, error).
// A WorkflowDefinition pairs a name with a New() func that constructs a
// fresh Workflow value for each run, so per-instance state (such as an
// injected Env) never leaks across concurrent runs of the same definition.
//
// # Gateway
//
// persistence.Gateway is the transactional CRUD surface the Runner and
// its StepExecutor depend on. It is implemented for in-memory maps,
// SQLite, and any database/sql-compatible Postgres driver in this module;
// the redis/ and mongo/ submodules add Redis and MongoDB gateways.
package durolow
