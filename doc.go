// Package plexus is a message integration engine: a long-running server that
// accepts messages on source connectors, routes each message through a
// per-channel pipeline of filter, transform, and fan-out to destination
// chains, and persists every step to a relational store so interrupted work
// is recovered after a crash.
//
// The root package holds the pipeline runtime: Channel orchestrates dispatch,
// DestinationChain runs destinations sequentially with output-as-input
// coupling, DestinationQueue provides durable at-least-once retry, and
// RecoveryTask resolves in-flight messages at startup. Storage backends live
// under store/ (postgres, sqlite), transports under connector/, wire formats
// under datatype/, and the script engine under script/exprlang.
//
// Delivery is at least once: a destination may receive duplicates under
// retry. Work is partitioned across hosts only by a stable per-host server
// id; there is no cross-host coordination and no transactional atomicity
// spanning multiple destinations.
package plexus
