package syncq

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is the kind of mutation a SyncItem carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ItemStatus is the lifecycle state of a SyncItem.
type ItemStatus string

const (
	StatusPending  ItemStatus = "pending"
	StatusSyncing  ItemStatus = "syncing"
	StatusSuccess  ItemStatus = "success"
	StatusError    ItemStatus = "error"
	StatusConflict ItemStatus = "conflict"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSuccess, StatusError, StatusConflict:
		return true
	}
	return false
}

const (
	MinPriority     = 1
	MaxPriority     = 5
	DefaultPriority = 3
	// HighPriority and above always go into the priority sub-batch.
	HighPriority = 4
)

// Record is a local record as a field map.
type Record map[string]any

// Payload is what gets sent to the remote. Fields holds the full record or the sparse
// diff. An incremental diff lists the fields the update dropped in Removed. When
// Compressed is set, Fields is empty and Encoded holds base64(gzip(json)).
type Payload struct {
	Key         any      `json:"key,omitempty"`
	Fields      Record   `json:"fields,omitempty"`
	Removed     []string `json:"removed,omitempty"`
	Incremental bool     `json:"incremental,omitempty"`
	Compressed  bool     `json:"compressed,omitempty"`
	Encoded     string   `json:"encoded,omitempty"`
}

// KeyString returns the record key in string form, or false when the payload has none.
func (p Payload) KeyString() (string, bool) {
	if p.Key == nil {
		return "", false
	}
	return fmt.Sprint(p.Key), true
}

// Decode returns the payload fields, inflating them when compressed.
func (p Payload) Decode() (Record, error) {
	if !p.Compressed {
		return p.Fields, nil
	}
	raw, err := base64.StdEncoding.DecodeString(p.Encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return decompressFields(raw)
}

// SyncItem is one queued mutation.
type SyncItem struct {
	ID             string     `json:"id"`
	Seq            int64      `json:"seq"`
	Table          string     `json:"table"`
	Action         Action     `json:"action"`
	Payload        Payload    `json:"payload"`
	Priority       int        `json:"priority"`
	Status         ItemStatus `json:"status"`
	RetryCount     int        `json:"retryCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	NextRetryTime  time.Time  `json:"nextRetryTime"`
	LastError      string     `json:"lastError,omitempty"`
	DeadLetteredAt *time.Time `json:"deadLetteredAt,omitempty"`
	Force          bool       `json:"force,omitempty"`
	Remote         Record     `json:"remote,omitempty"`
}

// IsDeadLetter reports whether the item exhausted its retries (or failed permanently)
// and is no longer selected automatically.
func (i *SyncItem) IsDeadLetter() bool {
	return i.DeadLetteredAt != nil
}

// Clone returns a shallow copy. Payload fields are shared and treated as immutable.
func (i *SyncItem) Clone() *SyncItem {
	c := *i
	if i.DeadLetteredAt != nil {
		t := *i.DeadLetteredAt
		c.DeadLetteredAt = &t
	}
	return &c
}

func (i *SyncItem) String() string {
	return fmt.Sprintf("%s %s/%s (%s, priority=%d, retries=%d)", i.ID, i.Table, i.Action, i.Status, i.Priority, i.RetryCount)
}

var itemNamespace = uuid.MustParse("6f1c8f3e-3b1a-4d2c-9a57-2e6cf1d0b8a4")

// newItemID derives a stable id from table, record key, creation time and a
// process-local sequence number.
func newItemID(table string, key any, createdAt time.Time, seq uint64) string {
	name := fmt.Sprintf("%s/%v/%d/%d", table, key, createdAt.UnixNano(), seq)
	return uuid.NewSHA1(itemNamespace, []byte(name)).String()
}
