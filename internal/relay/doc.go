// Package relay is the HTTP client for the collaborator server that stores
// device records, one-time prekeys and the per-device envelope inbox.
//
// HTTP implements domain.ServerClient. Requests are JSON, carry the bearer
// token and the selected device id, and honor the context for cancellation.
// Non-2xx statuses come back as *StatusError, which unwraps to the domain
// sentinel for the status (ErrThrottled, ErrNetwork, ErrServerRejected, and
// per call ErrNoPrekeysAvailable or ErrDeviceConflict).
//
// Notifier follows the websocket notify stream and turns each signal into a
// wake-up for the inbox pump.
package relay
