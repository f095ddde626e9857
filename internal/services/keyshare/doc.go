// Package keyshare distributes thread keys.
//
// The creator of a thread fans its key out as one key package per device of
// both participants. Devices without prekeys are told so and retried on a
// fixed schedule; devices that never confirm get the key again a bounded
// number of times. Peers without the key ask for it with key requests, and
// any holder answers directly.
package keyshare
