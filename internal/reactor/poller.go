// Package reactor implements the single-threaded event loop (L2): socket
// readiness multiplexing plus a time-ordered timer queue, grounded on
// original_source's AsyncoreReactor (hazelcast/reactor.py) and the
// teacher's eventloop package for the Go-native poller/state-machine shape.
//
// # I/O registration
//
// Readiness is multiplexed with the platform-native mechanism:
//   - Linux: epoll (poller_linux.go)
//   - Darwin: kqueue (poller_darwin.go)
package reactor
