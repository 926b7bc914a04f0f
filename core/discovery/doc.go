// Package discovery resolves and tracks cluster topology: seed lists or DNS
// turn into node sets, a registry keeps the latest snapshot, and a selector
// orders candidates by node preference for connection attempts.
package discovery
