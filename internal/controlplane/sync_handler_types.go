package controlplane

import "github.com/openmined/syncq/internal/syncq"

type StatusResponse struct {
	Running bool            `json:"running"`
	State   syncq.SyncState `json:"state"`
}

type HistoryResponse struct {
	History []syncq.PassResult `json:"history"`
}

type TriggerResponse struct {
	Triggered bool `json:"triggered"`
}

type NetworkRequest struct {
	Online *bool `json:"online" binding:"required"`
}

type NetworkResponse struct {
	Online bool `json:"online"`
}
