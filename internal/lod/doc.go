// Package lod implements the MSFT_lod extension: an asset that declares
// lower-fidelity alternates is presented with its cheapest variant first and
// then upgraded one step at a time, each step waiting for the host to be
// render-ready, for the previous variant's textures, and for a pacing delay.
//
// Every asset gets its own chain. A chain registers one blocking token for
// the asset and one non-blocking token per variant position up front; the
// blocking token is released as soon as the lowest-fidelity variant is
// assigned, the non-blocking tokens as each position lands. While a chain is
// upgrading it suppresses pipeline finalization so the tracker does not
// report completion between two steps.
package lod
