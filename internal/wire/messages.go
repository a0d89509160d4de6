package wire

import (
	"encoding/json"
	"io"

	"github.com/danmuck/domainctl/internal/model"
	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/update"
)

const (
	ActionPing             = "ping"
	ActionPushBatch        = "push_batch"
	ActionPushHostBatch    = "push_host_batch"
	ActionPushFullModel    = "push_full_model"
	ActionPushServerUpdate = "push_server_update"
	ActionPushServerBatch  = "push_server_batch"
	ActionServerStatuses   = "server_statuses"
)

// request is one call envelope.
type request struct {
	Action string `json:"action"`
	// TimeoutMS is the caller's remaining budget, applied by the server.
	TimeoutMS     int64                `json:"timeout_ms,omitempty"`
	Updates       []update.Update      `json:"updates,omitempty"`
	State         *model.State         `json:"state,omitempty"`
	Server        *node.ServerIdentity `json:"server,omitempty"`
	Update        *update.Update       `json:"update,omitempty"`
	AllowRollback bool                 `json:"allow_rollback,omitempty"`
}

// response is one result envelope.
type response struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	TimedOut bool            `json:"timed_out,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func writeLine(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
