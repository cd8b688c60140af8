// Package firmware identifies the control firmware running on a CNC board
// from the free-text banners it prints, and holds the per-firmware command
// vocabulary used to drive it.
//
// # Registry
//
// The registry is an ordered, immutable table with one entry per supported
// firmware (GRBL, Marlin, Smoothieware, Repetier, Invariance). Each entry
// carries a set of named, case-sensitive regular expressions, a
// CommandProfile and suggested serial settings.
//
// # Detection
//
// DetectType walks the registry in order and returns the first firmware
// with any matching pattern. Confidence re-scans all patterns of the
// detected firmware and returns the matched fraction, so callers can tell a
// bare version line from a full capability report.
//
// Detection state (current firmware, detection history) is not global: it
// lives in a Session, which a connection owns for its lifetime.
package firmware
