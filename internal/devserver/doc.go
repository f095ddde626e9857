// Package devserver is an in-memory collaborator server.
//
// It serves the device, prekey, inbox, message and notify endpoints the
// client consumes, keeps everything in memory and offers a few hooks
// (FailClaims, DrainPrekeys, Drop, RevokeDevice) to script failures in
// tests.
package devserver
