package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/danmuck/domainctl/internal/participant"
	"github.com/rs/zerolog/log"
)

// ListenAndServe listens on addr and serves h until ctx ends.
func ListenAndServe(ctx context.Context, addr string, h participant.Handle, cfg Config) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	return Serve(ctx, ln, h, cfg)
}

// Serve accepts connections on ln until ctx ends, then closes ln.
func Serve(ctx context.Context, ln net.Listener, h participant.Handle, cfg Config) error {
	defer ln.Close()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	log.Info().Str("participant", h.ID()).Str("addr", ln.Addr().String()).Msg("wire.listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handleConn(ctx, conn, h, cfg)
	}
}

// handleConn decodes one request per line and writes one response per line.
func handleConn(ctx context.Context, conn net.Conn, h participant.Handle, cfg Config) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("remote", remote).Msg("wire.read_ended")
			}
			return
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeLine(conn, response{OK: false, Error: err.Error()})
			continue
		}
		resp := dispatch(ctx, h, req)
		if err := writeLine(conn, resp); err != nil {
			log.Warn().Err(err).Str("remote", remote).Str("action", req.Action).Msg("wire.write_failed")
			return
		}
	}
}

// dispatch maps one request onto the handle.
func dispatch(ctx context.Context, h participant.Handle, req request) response {
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	switch req.Action {
	case ActionPing:
		return result(nil, h.Ping(ctx))
	case ActionPushBatch:
		out, err := h.PushBatch(ctx, req.Updates)
		return result(out, err)
	case ActionPushHostBatch:
		out, err := h.PushHostBatch(ctx, req.Updates)
		return result(out, err)
	case ActionPushFullModel:
		if req.State == nil {
			return response{OK: false, Error: "push_full_model: state required"}
		}
		return result(nil, h.PushFullModel(ctx, *req.State))
	case ActionPushServerUpdate:
		if req.Server == nil || req.Update == nil {
			return response{OK: false, Error: "push_server_update: server and update required"}
		}
		return result(h.PushServerUpdate(ctx, *req.Server, *req.Update, req.AllowRollback), nil)
	case ActionPushServerBatch:
		if req.Server == nil || len(req.Updates) == 0 {
			return response{OK: false, Error: "push_server_batch: server and updates required"}
		}
		return result(h.PushServerBatch(ctx, *req.Server, req.Updates, req.AllowRollback), nil)
	case ActionServerStatuses:
		out, err := h.ServerStatuses(ctx)
		return result(out, err)
	default:
		return response{OK: false, Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

func result(data any, err error) response {
	if err != nil {
		return response{
			OK:       false,
			Error:    err.Error(),
			TimedOut: errors.Is(err, participant.ErrTimeout) || errors.Is(err, context.DeadlineExceeded),
		}
	}
	if data == nil {
		return response{OK: true}
	}
	payload, mErr := json.Marshal(data)
	if mErr != nil {
		return response{OK: false, Error: mErr.Error()}
	}
	return response{OK: true, Data: payload}
}
