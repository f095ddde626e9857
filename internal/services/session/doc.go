// Package session opens secret threads.
//
// Engine.EnsureReady is the one call a UI makes when a thread is shown;
// Engine.RefreshKeysAndRetry is the action behind "refresh keys and retry".
package session
