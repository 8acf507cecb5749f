// Package engine converges managed entries of backing stores toward a
// declared desired set.
//
// # Overview
//
// A run takes an ordered slice of Resource values. Each resource names a
// type, a name unique within that type, an optional target and provider,
// an ensure state and a set of properties. Unset providers and targets are
// resolved from the bindings under defaults.<type>.provider and
// defaults.<type>.target.
//
// For every (provider, target) pair the Converger:
//
//  1. Prefetches the target once
//  2. Converges each resource in input order: create, delete, update the
//     differing properties, or leave it alone
//  3. Runs the purge pass for the scopes requested in RunOptions, removing
//     entries no resource claimed
//  4. Flushes the target, writing it at most once
//
// A provider error fails only its resource, and a prefetch or flush error
// fails only its target. Configuration and admission errors abort the run
// before any provider is instantiated.
//
// # Values
//
// Property values are Value instances: absent, a scalar, or an ordered
// list of strings. Properties keep insertion order. The desired side never
// invents a value: an absent desired property means "leave as is" when
// diffing.
//
// # Providers
//
// Providers implement Provider and register a factory under a tag:
//
//	registry := engine.NewRegistry()
//	_ = registry.Register("crontab", crontab.Factory(resolver))
//
//	conv := engine.NewConverger(registry, engine.WithBindings(view))
//	report, err := conv.Run(ctx, resources, engine.RunOptions{})
//
// Optional interfaces extend a provider: Canonicalizer expands ensure
// aliases, Purger supports the purge pass and Previewer renders the pending
// content of no-op runs.
//
// # Errors
//
// All errors are *EngineError values carrying a class (transient or
// permanent) and a code such as PARSE_ERROR or FLUSH_FAILED. Use HasCode,
// IsTransient and IsPermanent to inspect an error chain.
package engine
