package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/domainctl/internal/domain"
	"github.com/danmuck/domainctl/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "cmd/domainctl/config.toml", "domain controller config path")
	flag.Parse()

	logging.ConfigureRuntime("domainctl")
	gin.SetMode(gin.ReleaseMode)

	cfg := domain.DefaultServiceConfig()
	if _, err := os.Stat(*path); err == nil {
		cfg, err = loadServiceConfig(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "domainctl: %v\n", err)
			os.Exit(1)
		}
	} else {
		log.Warn().Str("config", *path).Msg("domainctl.config_defaults")
	}

	svc, err := domain.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "domainctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "domainctl: %v\n", err)
		os.Exit(1)
	}
}
