package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/domainctl/internal/model"
	"github.com/danmuck/domainctl/internal/node"
	"github.com/danmuck/domainctl/internal/participant"
	"github.com/danmuck/domainctl/internal/update"
)

var (
	ErrAddrRequired = errors.New("wire: address required")
	ErrRemote       = errors.New("wire: remote error")
)

// Client is a participant.Handle backed by a remote host's wire endpoint.
// Every call uses its own connection.
type Client struct {
	id   string
	addr string
	cfg  Config
}

func NewClient(id, addr string, cfg Config) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("%w: participant %s", ErrAddrRequired, id)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	return &Client{id: strings.TrimSpace(id), addr: addr, cfg: cfg}, nil
}

func (c *Client) ID() string { return c.id }

func (c *Client) Addr() string { return c.addr }

func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, request{Action: ActionPing}, nil)
}

func (c *Client) PushBatch(ctx context.Context, updates []update.Update) ([]participant.UpdateResult, error) {
	var out []participant.UpdateResult
	if err := c.call(ctx, request{Action: ActionPushBatch, Updates: updates}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PushHostBatch(ctx context.Context, updates []update.Update) ([]participant.UpdateResult, error) {
	var out []participant.UpdateResult
	if err := c.call(ctx, request{Action: ActionPushHostBatch, Updates: updates}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PushFullModel(ctx context.Context, state model.State) error {
	return c.call(ctx, request{Action: ActionPushFullModel, State: &state}, nil)
}

func (c *Client) PushServerUpdate(ctx context.Context, server node.ServerIdentity, u update.Update, allowRollback bool) participant.ServerResult {
	var out participant.ServerResult
	err := c.call(ctx, request{
		Action:        ActionPushServerUpdate,
		Server:        &server,
		Update:        &u,
		AllowRollback: allowRollback,
	}, &out)
	if err != nil {
		return participant.ServerFailure(err)
	}
	return out
}

func (c *Client) PushServerBatch(ctx context.Context, server node.ServerIdentity, updates []update.Update, allowRollback bool) []participant.ServerResult {
	var out []participant.ServerResult
	err := c.call(ctx, request{
		Action:        ActionPushServerBatch,
		Server:        &server,
		Updates:       updates,
		AllowRollback: allowRollback,
	}, &out)
	if err == nil && len(out) != len(updates) {
		err = fmt.Errorf("wire: %d results for %d updates", len(out), len(updates))
	}
	if err != nil {
		out = make([]participant.ServerResult, len(updates))
		for i := range out {
			out[i] = participant.ServerFailure(err)
		}
	}
	return out
}

func (c *Client) ServerStatuses(ctx context.Context) (map[node.ServerIdentity]string, error) {
	out := make(map[node.ServerIdentity]string)
	if err := c.call(ctx, request{Action: ActionServerStatuses}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// call performs one request/response exchange bounded by ctx.
func (c *Client) call(ctx context.Context, req request, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()
	req.TimeoutMS = time.Until(deadline).Milliseconds()
	if req.TimeoutMS <= 0 {
		return fmt.Errorf("%w: %s %s", participant.ErrTimeout, req.Action, c.id)
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return c.classify(ctx, req.Action, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := writeLine(conn, req); err != nil {
		return c.classify(ctx, req.Action, err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return c.classify(ctx, req.Action, err)
	}

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("wire: decode %s response: %w", req.Action, err)
	}
	if !resp.OK {
		if resp.TimedOut {
			return fmt.Errorf("%w: %s %s: %s", participant.ErrTimeout, req.Action, c.id, resp.Error)
		}
		return fmt.Errorf("%w: %s %s: %s", ErrRemote, req.Action, c.id, strings.TrimSpace(resp.Error))
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("wire: decode %s data: %w", req.Action, err)
		}
	}
	return nil
}

func (c *Client) classify(ctx context.Context, action string, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s %s", participant.ErrTimeout, action, c.id)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("wire: %s %s: %w", action, c.id, ctx.Err())
	}
	return fmt.Errorf("wire: %s %s: %w", action, c.id, err)
}
