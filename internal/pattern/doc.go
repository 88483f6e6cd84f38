// Package pattern builds the communication pattern of a partitioned array:
// for every peer rank, the local slots this rank sends and the ghost slots
// it receives into.
//
// # Overview
//
// A pattern is built once, collectively, after every element has been
// registered. Each ghost names a donor rank through a DonorLookup. Three
// interchangeable strategies produce the same pattern:
//
//	BroadcastAll    every rank broadcasts its wanted IDs in turn; owners
//	                answer with the positions they donate. Ignores the
//	                donor lookup. O(P²) messages.
//	OwnerBroadcast  every rank broadcasts (ID, donor) pairs in turn; only
//	                the named donor answers.
//	AllToAll        requests go straight to the donors in one variable
//	                count exchange. Preferred at scale.
//
// # Ordering Contract
//
// Receive lists are grouped by donor and sorted by global ID within a
// donor. The donor appends to its send list in the order the requests
// arrive, so SendList(B) on A and RecvList(A) on B name the same global
// IDs in the same order. Verify checks this across the whole group.
//
// # Failure
//
// Ghosts that cannot be matched to exactly one owner are collected on the
// requesting rank. After the build all ranks agree on the total through a
// sum reduction, and when it is non-zero every rank returns a
// *ResolutionError that matches ErrIncompleteGhostResolution.
//
// The error names the stage that failed and lists the missing IDs of the
// local rank along with the group-wide count:
//
//	var rerr *pattern.ResolutionError
//	if errors.As(err, &rerr) {
//		logger.Error().Str("stage", rerr.Stage).Int("missing", rerr.GlobalMissing).Msg("ghosts without owner")
//	}
//
// # Verification
//
// Verify is a collective that sends the global IDs of every send list to the
// receiving peer and compares them with its receive list. Any difference in
// length, order or ownership fails every rank with ErrAsymmetricPattern.
// Shards run it after each build when configured with WithVerify.
//
// # Diagnostics
//
// WriteGraph gathers per-rank peer lists and element counts on rank 0 and
// writes them with WriteDOT as a Graphviz digraph, one edge per sending
// pair labelled with the element count.
package pattern
