// Copyright 2024-2026 Aiku AI

// Package bridge implements a bidirectional synchronization engine between
// Hostex booking-platform conversations and Matrix rooms. Each conversation
// maps to exactly one room; messages flow both ways through a single
// delivery pipeline with idempotency and echo suppression.
//
// # Core Types
//
// [Bridge] wires everything together and owns the long-running tasks.
//
// [Store] is the durable state store: the conversation↔room registry, the
// processed-message ledger, the poll watermark, and the delivered-message
// log. [Registry] is its write-through in-memory mirror.
//
// [EventConsumer] maintains the appservice websocket to the Matrix side and
// acknowledges transactions after dispatch. [Poller] periodically diffs the
// Hostex API against the last-poll watermark; the watermark only advances
// after a fully successful cycle, so failed cycles are retried at-least-once.
//
// [RoomManager] owns room creation (serialized per conversation id), the
// puppet membership escalation ladder, retention, and conversation
// discovery. [MessageHandler] is the delivery pipeline both event sources
// terminate in; it consults [EchoCache] and the store before emitting any
// side effect.
//
// # Echo Suppression
//
// A message the bridge just forwarded to Hostex shows up again in the next
// poll. The cache keys on room and exact text with a 300 second window; this
// is a deliberate best-effort heuristic, not a reconciliation protocol.
package bridge
