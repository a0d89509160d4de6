package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/domainctl/internal/auth"
	"github.com/danmuck/domainctl/internal/wire"
	"github.com/rs/zerolog/log"
)

// Registration is the body a host posts to the domain controller.
type Registration struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Run listens on the configured address and serves until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(s.cfg.ListenAddr))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve starts servers, exposes the wire endpoint on ln, and announces the host
// to the domain controller when one is configured.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.StartServers()
	defer s.StopServers()

	addr := strings.TrimSpace(s.cfg.AdvertiseAddr)
	if addr == "" {
		addr = ln.Addr().String()
	}
	log.Info().Str("host", s.cfg.HostID).Str("addr", addr).Int("servers", len(s.names)).Msg("host.starting")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- wire.Serve(ctx, ln, s, s.cfg.Wire)
	}()

	// announceCtx ends with the wire endpoint so retries never outlive it.
	announceCtx, stopAnnounce := context.WithCancel(ctx)
	defer stopAnnounce()
	announced := make(chan bool, 1)
	if strings.TrimSpace(s.cfg.DomainURL) != "" {
		go func() {
			err := s.Announce(announceCtx, addr)
			if err != nil && announceCtx.Err() == nil {
				log.Error().Err(err).Str("host", s.cfg.HostID).Msg("host.announce_failed")
			}
			announced <- err == nil
		}()
	} else {
		announced <- false
		log.Warn().Str("host", s.cfg.HostID).Msg("host.headless")
	}

	err := <-serveErr
	stopAnnounce()
	if <-announced {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if lErr := s.Leave(leaveCtx); lErr != nil {
			log.Warn().Err(lErr).Str("host", s.cfg.HostID).Msg("host.deregister_failed")
		}
	}
	return err
}

// Announce registers addr with the domain controller, retrying with backoff.
// An existing registration under the same id counts as success.
func (s *Service) Announce(ctx context.Context, addr string) error {
	body, err := json.Marshal(Registration{ID: s.cfg.HostID, Addr: addr})
	if err != nil {
		return err
	}
	endpoint, err := url.JoinPath(s.cfg.DomainURL, "hosts")
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var last error
	for attempt := 1; s.cfg.AnnounceAttempts <= 0 || attempt <= s.cfg.AnnounceAttempts; attempt++ {
		last = s.post(ctx, endpoint, body)
		if last == nil {
			log.Info().Str("host", s.cfg.HostID).Str("domain", s.cfg.DomainURL).Int("attempt", attempt).Msg("host.registered")
			return nil
		}
		delay := wire.NextBackoffDelay(s.cfg.Wire.Backoff, attempt, rng)
		log.Warn().Err(last).Int("attempt", attempt).Dur("retry_in", delay).Msg("host.announce_retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return last
}

func (s *Service) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	auth.SetBearer(req, s.cfg.AuthToken)
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status=%d body=%q", ErrAnnounceRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// Leave removes this host's registration from the domain controller.
func (s *Service) Leave(ctx context.Context) error {
	endpoint, err := url.JoinPath(s.cfg.DomainURL, "hosts", s.cfg.HostID)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	auth.SetBearer(req, s.cfg.AuthToken)
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: deregister status=%d", ErrAnnounceRejected, resp.StatusCode)
	}
	return nil
}
