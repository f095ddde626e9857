// Package prekey manages the pool of one-time prekeys of the local device.
//
// Secrets are persisted before their public halves are handed out for
// publishing. Publishes triggered by peers or by replenishment share one
// cooldown; user-driven publishes can bypass it.
package prekey
