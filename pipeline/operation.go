// Package pipeline implements the typed operation model: every client
// request is normalized into an Operation, flows through an ordered
// middleware chain, and terminates at a pluggable OperationExecutor.
package pipeline

import "github.com/kartikbazzad/aerodb/storage"

// Kind is the closed set of operation kinds. Read/Write/Update/Delete/
// Query/Explain/Subscribe/Unsubscribe route to the kernel executor;
// Broadcast/Invoke/Upload/Download are structurally part of the operation
// model but their backing functionality is an external collaborator (see
// KernelExecutor.Execute).
type Kind string

const (
	Read        Kind = "read"
	Write       Kind = "write"
	Update      Kind = "update"
	Delete      Kind = "delete"
	Query       Kind = "query"
	Explain     Kind = "explain"
	Subscribe   Kind = "subscribe"
	Unsubscribe Kind = "unsubscribe"
	Broadcast   Kind = "broadcast"
	Invoke      Kind = "invoke"
	Upload      Kind = "upload"
	Download    Kind = "download"
)

// QueryOptions carries the pagination/ordering parameters accepted by Query
// and Explain.
type QueryOptions struct {
	Skip      int
	Limit     int
	SortField string
	SortDesc  bool
}

// Operation is the normalized request shape every pipeline request is
// parsed into before it enters the middleware chain. Only the fields
// relevant to Kind are populated; the rest are left zero.
type Operation struct {
	Kind       Kind
	Collection string
	Key        string
	Document   storage.Document
	Patch      map[string]interface{}
	Filter     map[string]interface{}
	Options    QueryOptions

	// SubscriptionID correlates an Unsubscribe to the Subscribe that
	// produced it.
	SubscriptionID string

	// FunctionName, Payload: carried through for Invoke/Upload/Download so
	// the external collaborator they are handed off to has everything it
	// needs; the kernel executor itself never inspects them.
	FunctionName string
	Payload      []byte
}
