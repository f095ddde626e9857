// Package readiness derives, per thread, one of NO_KEY,
// BOOTSTRAPPING_DEVICE, WAITING_KEY_PACKAGE, READY or ERROR(reason).
//
// A thread with a key is READY, whatever else was recorded. Without a key
// the state follows from the persisted runtime record: bootstrap status,
// then a recorded reason, then how long the thread has been waiting and
// whether a key package was ever observed.
package readiness
