package domain

import (
	"context"
	"errors"

	types "threadkx/internal/domain/types"
)

var (
	ErrBootstrapFailed    = errors.New("device bootstrap failed")
	ErrDeviceNotReady     = errors.New("device keys are not ready")
	ErrDeviceConflict     = errors.New("device already registered to another user")
	ErrNoPeerDevices      = errors.New("peer has no active devices")
	ErrNoPrekeysAvailable = errors.New("no prekeys available")
	ErrClaimFailed        = errors.New("prekey claim failed")
	ErrThrottled          = errors.New("throttled by server")
	ErrOpkSecretMissing   = errors.New("one-time prekey secret missing")
	ErrDecryptFailed      = errors.New("key package decrypt failed")
	ErrMalformedPackage   = errors.New("malformed key package")
	ErrImportFailed       = errors.New("key package import failed")
	ErrPoisonedKeyPackage = errors.New("poisoned key package")
	ErrNetwork            = errors.New("network error")
	ErrServerRejected     = errors.New("server rejected request")
	ErrTimeoutWaitingKey  = errors.New("timed out waiting for thread key")
	ErrNoKeyPackage       = errors.New("no key package received")
	ErrNoThreadKey        = errors.New("no thread key")
	ErrInvalidThreadKey   = errors.New("thread key must decode to 32 bytes")
)

// ReasonFor maps an error to the reason code surfaced by the readiness state
// machine. A nil error has no reason.
func ReasonFor(err error) types.ReasonCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoPrekeysAvailable):
		return types.ReasonNoPrekeysAvailable
	case errors.Is(err, ErrOpkSecretMissing):
		return types.ReasonOpkSecretMissing
	case errors.Is(err, ErrDecryptFailed):
		return types.ReasonDecryptFailed
	case errors.Is(err, ErrImportFailed), errors.Is(err, ErrInvalidThreadKey):
		return types.ReasonImportFailed
	case errors.Is(err, ErrMalformedPackage), errors.Is(err, ErrPoisonedKeyPackage):
		return types.ReasonPoisonedKeyPackage
	case errors.Is(err, ErrNoPeerDevices):
		return types.ReasonNoPeerDevices
	case errors.Is(err, ErrBootstrapFailed), errors.Is(err, ErrDeviceNotReady):
		return types.ReasonBootstrapFailed
	case errors.Is(err, ErrTimeoutWaitingKey):
		return types.ReasonTimeoutWaitingKey
	case errors.Is(err, ErrNoKeyPackage):
		return types.ReasonNoKeyPackage
	case errors.Is(err, ErrServerRejected), errors.Is(err, ErrDeviceConflict):
		return types.ReasonServerRejected
	case errors.Is(err, ErrThrottled), errors.Is(err, ErrNetwork),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return types.ReasonNetworkError
	}
	return types.ReasonNetworkError
}
