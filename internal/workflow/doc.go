// Package workflow implements the Temporal workflows that drive image
// generation and evaluation.
//
// GenerationWorkflow owns one cache key: it serves the key's examples from
// the content cache or issues a single provider job for them, waits for the
// job with durable timers, and applies the result. EvaluationChunkWorkflow
// issues up to two evaluation jobs for a chunk of rows and waits for them
// concurrently.
//
// Workflows hold no worker while a provider job runs. Every wait is a
// workflow timer; all I/O happens in activities, which are registered by
// name so workflows and workers agree without importing activity structs.
//
// Workflows should not contain any non-deterministic operations
// such as random number generation, system time access, or external I/O.
// Such operations should be delegated to activities.
package workflow
