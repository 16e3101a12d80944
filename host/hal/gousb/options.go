package gousb

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Defaults.
const (
	DefaultPorts           = 16
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultTransferTimeout = 5 * time.Second
)

type options struct {
	ports    int
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
}

func defaultOptions() options {
	return options{
		ports:    DefaultPorts,
		interval: DefaultPollInterval,
		timeout:  DefaultTransferTimeout,
		clock:    clock.New(),
	}
}

// Option configures a HostHAL.
type Option func(*options)

// WithPorts sets the number of virtual ports, which bounds the number of
// devices tracked at once.
func WithPorts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.ports = n
		}
	}
}

// WithPollInterval sets how often the device list is scanned.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithTransferTimeout bounds transfers whose context has no deadline.
func WithTransferTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock sets the clock driving the poll ticker and transfer deadlines.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}
