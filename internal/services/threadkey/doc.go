// Package threadkey keeps the local map of thread id to 32-byte symmetric
// key and tells subscribers about every change.
package threadkey
