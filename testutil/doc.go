// Package testutil provides testing utilities for msgstore.
//
// This package is intended for use in tests and benchmarks only.
//
// # Random Payloads
//
//	rng := testutil.NewRNG(seed)
//	slices := rng.Slices(3, 64) // three random slices of up to 64 bytes
//
// # Cache Links
//
// [Link] is an in-memory record.CacheLink that serves a fixed payload and
// counts stability callbacks:
//
//	link := testutil.NewLink([]byte("hello"))
//	p := record.New(fields, parent, link)
//	...
//	link.StableCount()
package testutil
