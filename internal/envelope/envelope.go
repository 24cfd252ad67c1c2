package envelope

import (
	"time"
)

// Header is the first line of an envelope: delivery metadata shared by
// every item in it.
type Header struct {
	EventID string                 `json:"event_id,omitempty"`
	SentAt  *time.Time             `json:"sent_at,omitempty"`
	Trace   map[string]interface{} `json:"trace,omitempty"`
}

// ItemHeader frames one item on the wire. Length is optional; a missing
// length means the payload runs to the end of its line.
type ItemHeader struct {
	Type        ItemType `json:"type"`
	Length      *int     `json:"length,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Filename    string   `json:"filename,omitempty"`
}

// Item is one typed payload unit. Payload bytes are opaque to the relay
// except for normalization of known types.
type Item struct {
	Header  ItemHeader
	Payload []byte
}

func (i *Item) Type() ItemType {
	return i.Header.Type
}

func (i *Item) Category() DataCategory {
	return i.Header.Type.Category()
}

func (i *Item) Len() int {
	return len(i.Payload)
}

// Envelope is an ordered sequence of items sharing one delivery context.
type Envelope struct {
	Header Header
	Items  []*Item
}

func (e *Envelope) Empty() bool {
	return len(e.Items) == 0
}

// TakeItems detaches and returns the current item list, leaving the
// envelope empty. Used when partitioning items into forward/drop sets.
func (e *Envelope) TakeItems() []*Item {
	items := e.Items
	e.Items = nil
	return items
}

// WithItems returns a shallow copy of the envelope carrying only the
// given items. The header is shared; headers are immutable after parse.
func (e *Envelope) WithItems(items []*Item) *Envelope {
	return &Envelope{
		Header: e.Header,
		Items:  items,
	}
}
