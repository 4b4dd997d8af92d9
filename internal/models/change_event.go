package models

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// EventKind is the stream event name of a change notification
type EventKind string

const (
	KindInsert EventKind = "INSERT"
	KindModify EventKind = "MODIFY"
	KindRemove EventKind = "REMOVE"
)

// CarriesRow reports whether events of this kind forward their new image downstream
func (k EventKind) CarriesRow() bool {
	return k == KindInsert || k == KindModify
}

// Known reports whether k is one of the stream event names we understand
func (k EventKind) Known() bool {
	switch k {
	case KindInsert, KindModify, KindRemove:
		return true
	}
	return false
}

// Image is the typed attribute map of a record
type Image map[string]types.AttributeValue

// ChangeEvent represents a single record store change notification
type ChangeEvent struct {
	Kind           EventKind
	Image          Image // NewImage; empty for REMOVE
	Keys           Image
	SequenceNumber string
}

// Batch is one delivery of change events from the stream source
type Batch struct {
	Source string // event source or stream ARN; the table name is derived from it
	Events []ChangeEvent
}

// Len returns the number of events in the batch
func (b Batch) Len() int {
	return len(b.Events)
}
