// Package domain defines core data models and interfaces shared across the
// engine. It contains plain types (wire/state), contracts (interfaces) and
// the error taxonomy only.
//
// Every failure the engine can surface to the UI wraps one of the sentinel
// errors in errors.go; ReasonFor turns any of them into the reason code kept
// by the readiness state machine.
package domain
