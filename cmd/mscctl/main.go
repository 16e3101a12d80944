// Command mscctl inspects USB mass storage devices through the mschost
// driver stack.
//
// Usage:
//
//	mscctl list
//	mscctl info 3
//	mscctl read 3 0 1
//	mscctl watch
//
// On Linux the commands talk to real devices through usbfs, which detaches
// the usb-storage kernel driver while a device is in use. With --sim N they
// run against N virtual disks instead.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
