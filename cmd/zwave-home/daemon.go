package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/serialapi"
	"zwave-go-home/internal/store"
	"zwave-go-home/internal/transport"
	"zwave-go-home/internal/web"
)

func runDaemon(ctx context.Context, cfgPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zwave-go-home starting", "version", version)

	keys, err := cfg.keyStore()
	if err != nil {
		return err
	}
	logger.Info("network keys loaded", "classes", keys.ConfiguredClasses())

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	list, err := provisioning.NewList(db, logger)
	if err != nil {
		return err
	}
	if n, err := list.ApplySeed(cfg.ProvisioningFile); err != nil {
		logger.Error("apply provisioning file", "path", cfg.ProvisioningFile, "err", err)
	} else if n > 0 {
		logger.Info("provisioning file applied", "path", cfg.ProvisioningFile, "entries", n)
	}

	radio, err := serialapi.Open(cfg.Serial.Port, cfg.Serial.Baud, logger)
	if err != nil {
		return err
	}
	defer radio.Close()
	logger.Info("serial port open", "port", cfg.Serial.Port, "baud", cfg.Serial.Baud)

	session := transport.NewSession(radio, cc.DefaultRegistry, nil, logger)
	ctlCfg := cfg.controllerConfig()
	ctlCfg.Insecure = !session.Secure()
	if ctlCfg.Insecure {
		logger.Warn("frame encryption unavailable, nodes join without security and SmartStart is off")
	}

	events := controller.NewEventBus(logger)
	ctl := controller.New(radio, session, keys, db, list, events, ctlCfg, logger)
	session.OnUnsolicited(ctl.HandleUnsolicited)

	auto, autoWebOpts := initAutomation(ctl, cfg, logger)
	ctl.Start()

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(ctl, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mqtt := initMQTT(ctl, list, cfg, logger)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if w, err := provisioning.NewWatcher(cfg.ProvisioningFile, list, logger); err != nil {
		logger.Warn("provisioning file not watched", "path", cfg.ProvisioningFile, "err", err)
	} else {
		g.Go(func() error { return w.Run(gctx) })
	}

	err = g.Wait()

	auto.Stop()
	mqtt.Stop()
	webServer.Stop()
	ctl.Stop()

	logger.Info("goodbye")
	return err
}
