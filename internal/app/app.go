package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"beaconservice/go-beacon-admin/internal/beaconid"
	"beaconservice/go-beacon-admin/internal/config"
	"beaconservice/go-beacon-admin/internal/model"
	"beaconservice/go-beacon-admin/internal/mqtt"
	"beaconservice/go-beacon-admin/internal/proximity"
	"beaconservice/go-beacon-admin/internal/rest"
	"beaconservice/go-beacon-admin/internal/service"
	"beaconservice/go-beacon-admin/internal/store"
)

// App wires together the beacon admin services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store       *store.Store
	admin       *proximity.AdminClient
	serving     *proximity.ServingClient
	diagnostics *proximity.DiagnosticsClient
	manager     *service.Manager
	mqtt        *mqtt.Client
	topics      mqtt.Topics
	mdns        *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger, topics: mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}}
}

// TokenSource picks the bearer token source named by the API configuration.
// A token file takes precedence over an inline token.
func TokenSource(cfg config.APIConfig) proximity.TokenSource {
	if cfg.TokenFile != "" {
		return proximity.FileToken(cfg.TokenFile)
	}
	return proximity.StaticToken(cfg.Token)
}

var openStore = store.Open

// setup opens the store and builds the API clients. The store is closed
// again if anything after opening it fails.
func (a *App) setup(ctx context.Context) (err error) {
	db, err := openStore(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()
	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	exec := rest.New(a.cfg.API, a.logger)
	tokens := TokenSource(a.cfg.API)
	var opts []proximity.Option
	if a.cfg.API.ProjectID != "" {
		opts = append(opts, proximity.WithProjectID(a.cfg.API.ProjectID))
	}

	if a.admin, err = proximity.NewAdminClient(exec, a.cfg.API.BaseURL, tokens, opts...); err != nil {
		return err
	}
	if a.serving, err = proximity.NewServingClient(exec, a.cfg.API.BaseURL, opts...); err != nil {
		return err
	}
	if a.diagnostics, err = proximity.NewDiagnosticsClient(exec, a.cfg.API.BaseURL, tokens, opts...); err != nil {
		return err
	}

	var managerOpts []service.Option
	if a.mqtt != nil {
		managerOpts = append(managerOpts, service.WithPublisher(a.mqtt))
	}
	a.store = db
	a.manager = service.New(a.admin, a.store, a.logger, managerOpts...)
	return nil
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.MQTT.Enabled {
		client, err := mqtt.Connect(a.cfg.MQTT, a.logger)
		if err != nil {
			return err
		}
		a.mqtt = client
		defer func() {
			_ = a.mqtt.Close()
			a.logger.Info("mqtt disconnected")
		}()
	}

	if err := a.setup(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if a.mqtt != nil {
		if err := a.mqtt.SubscribeSightings(func(topic string, payload []byte) error {
			return a.handleSighting(ctx, topic, payload)
		}); err != nil {
			return err
		}
		a.logger.Info("subscribed to sightings", "topic", a.topics.AllSightings())
	}

	if a.cfg.MDNS {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	case err := <-httpErrCh:
		return err
	}
}

type sightingPayload struct {
	BeaconID  string `json:"beacon_id"`
	ScannerID string `json:"scanner_id"`
	RSSI      *int   `json:"rssi"`
	TxPower   *int   `json:"tx_power"`
	Timestamp string `json:"timestamp"`
}

// handleSighting validates and stores one sighting, then resolves the
// registration status of beacons not seen before. Invalid payloads are kept
// in the ingestion error log.
func (a *App) handleSighting(ctx context.Context, topic string, payload []byte) error {
	var p sightingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		a.logger.Warn("sighting decode failed", "topic", topic, "error", err)
		a.recordIngestionError(ctx, "", payload, fmt.Errorf("decode payload: %w", err))
		return nil
	}

	if p.BeaconID == "" {
		p.BeaconID, _ = a.topics.BeaconFromTopic(topic)
	}

	id, err := beaconid.Sanitize(p.BeaconID)
	if err != nil {
		a.logger.Warn("sighting validation failed", "topic", topic, "error", err)
		a.recordIngestionError(ctx, p.BeaconID, payload, err)
		return nil
	}
	if strings.TrimSpace(p.ScannerID) == "" || p.RSSI == nil {
		err := fmt.Errorf("missing required fields (scanner_id=%q rssi set=%t)", p.ScannerID, p.RSSI != nil)
		a.logger.Warn("sighting validation failed", "topic", topic, "error", err)
		a.recordIngestionError(ctx, id, payload, err)
		return nil
	}

	ts := time.Now().UTC()
	if p.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil {
			a.recordIngestionError(ctx, id, payload, fmt.Errorf("invalid timestamp: %w", err))
			return nil
		}
		ts = parsed
	}

	sighting := model.Sighting{
		BeaconID:  id,
		ScannerID: strings.TrimSpace(p.ScannerID),
		RSSI:      *p.RSSI,
		TxPower:   p.TxPower,
		Timestamp: ts,
	}

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.store.InsertSighting(storeCtx, sighting); err != nil {
		a.logger.Error("failed to persist sighting", "beacon", id, "error", err)
		a.recordIngestionError(ctx, id, payload, err)
		return err
	}
	a.logger.Debug("ingested sighting", "beacon", id, "scanner", sighting.ScannerID, "rssi", sighting.RSSI)

	scanned, err := a.store.ScannedBeacon(storeCtx, id)
	if err != nil || scanned.Status != "" {
		return err
	}

	resolveCtx, cancelResolve := context.WithTimeout(ctx, 10*time.Second)
	defer cancelResolve()

	status, err := a.manager.Resolve(resolveCtx, id)
	if err != nil {
		a.logger.Warn("beacon status unresolved", "beacon", id, "error", err)
		return nil
	}
	a.logger.Info("resolved scanned beacon", "beacon", id, "status", status)
	return nil
}

func (a *App) recordIngestionError(ctx context.Context, beaconID string, payload []byte, cause error) {
	if a.store == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		BeaconID: beaconID,
		Payload:  truncateString(string(payload), 4096),
		Error:    cause.Error(),
	}

	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
