// Package integration holds end-to-end tests that run a server and its
// clients over loopback TCP with freshly provisioned trust stores.
package integration
