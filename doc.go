// Package cqlcore is the connection and request-dispatch core of a native
// driver for CQL-speaking wide-column stores.
//
// The core has two halves. Per connection, a protocol engine drives TCP and
// optional TLS setup, the OPTIONS/SUPPORTED/STARTUP/READY handshake, and the
// multiplexing of up to 128 in-flight requests over signed one-byte stream
// ids. Per event loop, a request queue lets any goroutine submit
// (connection, request) pairs; the queue coalesces submissions into few loop
// wakeups and batches the resulting frames into one socket flush per
// connection.
//
// Everything above this layer — topology, load balancing, retries, result
// decoding, query APIs — is a collaborator and talks to the core through
// the Observers callbacks, the queue's Write, and the futures returned by
// submissions.
package cqlcore
