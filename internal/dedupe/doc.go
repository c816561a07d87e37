// Package dedupe provides a bounded, time-limited set of keys that can each be
// claimed once within a configurable window.
package dedupe
