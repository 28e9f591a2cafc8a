// Package events implements the daemon's structured event bus: a broadcast
// channel of best-effort-delivered events consumed by CLI doctor commands,
// log sinks, and tests. Slow subscribers drop events rather than blocking
// the publisher; the bus orders emissions from a single emitter but makes
// no global ordering guarantee across emitters.
package events
