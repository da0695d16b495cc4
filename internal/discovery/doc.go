// Package discovery advertises the control server on the local network with
// DNS-SD over multicast DNS.
package discovery
