// Package pkg provides shared utilities for the mschost module.
//
// This package contains common functionality used by the host library, the
// HAL implementations and the mass storage class driver:
//
//   - Structured logging backed by [github.com/sirupsen/logrus]
//   - Sentinel errors and the [TransferStatus] completion code
//   - [Cleanup], which separates best-effort teardown errors from reported ones
//
// # Logging
//
// Every message carries a component field:
//
//	pkg.SetLogLevel(logrus.DebugLevel)
//	pkg.LogInfo(pkg.ComponentMSC, "device installed", "address", 5)
//
// # Errors
//
// Errors are sentinel values checked with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Clear the halt and retry
//	}
package pkg
