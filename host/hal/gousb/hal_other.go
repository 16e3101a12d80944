//go:build !linux

package gousb

import (
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// NewHostHAL reports pkg.ErrNotSupported; usbfs is only available on Linux.
func NewHostHAL(opts ...Option) (hal.HostHAL, error) {
	return nil, pkg.ErrNotSupported
}
