// Package stack defines the stable contract between the application and the
// LoRaWAN protocol stack.
//
// The MAC layer, radio driver, adaptive data rate, duty-cycle enforcement and
// payload encryption all live behind Interface; the application only drives
// the calls and reacts to EventKind notifications delivered through the
// event queue. Status errors returned by implementations are normalized to
// the sentinel errors in errors.go so callers can branch with errors.Is.
package stack
