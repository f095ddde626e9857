// Package inbox implements the pump that drains the device inbox.
//
// Control items, thread messages and items of unknown kind are always
// acknowledged. Key packages are acknowledged once imported, or when they
// can never be opened, or once they have failed often enough or for long
// enough to be poisoned; until then they stay queued without holding back
// the items behind them.
package inbox
