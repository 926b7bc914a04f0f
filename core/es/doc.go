// Package es contains the data model of the event-store client: positions,
// version expectations, events and the typed results of operations. It has no
// behavior beyond value semantics and is imported by every other package.
package es
