// Package control sends and parses control envelopes: key receipts, key
// requests, key resend requests and prekey shortage notices. Their payload
// is a fixed placeholder; everything they say is in the clear header.
package control
