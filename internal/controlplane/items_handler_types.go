package controlplane

import "github.com/openmined/syncq/internal/syncq"

type EnqueueRequest struct {
	Table  string       `json:"table" binding:"required"`
	Action syncq.Action `json:"action" binding:"required"`
	// Key defaults to the record's key field.
	Key      string       `json:"key"`
	Record   syncq.Record `json:"record"`
	Priority int          `json:"priority"`
}

type EnqueueResponse struct {
	Queued bool            `json:"queued"`
	Item   *syncq.SyncItem `json:"item,omitempty"`
}

type ItemsResponse struct {
	Items []*syncq.SyncItem `json:"items"`
}

type RequeueAllResponse struct {
	Requeued int `json:"requeued"`
}

type ResolveRequest struct {
	Resolution syncq.Resolution `json:"resolution" binding:"required"`
}
