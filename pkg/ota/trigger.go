// Package ota triggers over-the-air firmware updates. Each trigger opens its
// own short-lived bus session, publishes one command and closes it.
package ota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Peterbackson-desing/dashboard/pkg/auth"
	"github.com/Peterbackson-desing/dashboard/pkg/bus"
	"github.com/Peterbackson-desing/dashboard/pkg/model"
	"github.com/Peterbackson-desing/dashboard/pkg/observability"
	"github.com/Peterbackson-desing/dashboard/pkg/store"
)

var (
	ErrMissingParameter = errors.New("ota: deviceId and firmwareFilename are required")
	ErrInvalidParameter = errors.New("ota: invalid parameter")
)

// DefaultTimeout bounds a whole trigger call, connect and publish included.
const DefaultTimeout = 10 * time.Second

// ArtifactLookup finds a stored artifact by filename.
type ArtifactLookup interface {
	Lookup(ctx context.Context, filename string) (*model.Artifact, error)
}

// Config configures a Trigger.
type Config struct {
	// Bus is the template for every trigger session. Reconnect is forced
	// off.
	Bus bus.Config
	// BaseURL is the externally reachable origin the device downloads from.
	BaseURL string
	Timeout time.Duration
}

// Result describes a published OTA command.
type Result struct {
	Device      string `json:"device"`
	Filename    string `json:"firmwareFilename"`
	FirmwareURL string `json:"firmwareUrl"`
	SHA256      string `json:"sha256,omitempty"`
}

// Trigger publishes OTA commands.
type Trigger struct {
	cfg       Config
	artifacts ArtifactLookup
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New returns a Trigger. metrics may be nil.
func New(cfg Config, artifacts ArtifactLookup, metrics *observability.Metrics, logger *slog.Logger) *Trigger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.Bus.Reconnect = false
	if cfg.Bus.ClientIDPrefix == "" {
		cfg.Bus.ClientIDPrefix = "ota"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	cfg.Bus.Logger = logger
	return &Trigger{
		cfg:       cfg,
		artifacts: artifacts,
		metrics:   metrics,
		logger:    logger.With("component", "ota"),
	}
}

// Timeout returns the overall deadline applied to each call.
func (t *Trigger) Timeout() time.Duration { return t.cfg.Timeout }

// Trigger tells deviceID to download and apply firmwareFilename. It returns
// once the broker has acknowledged the command, or fails with a bus error
// that identifies the phase that failed. The call never takes longer than
// the configured timeout and never leaves its session open.
func (t *Trigger) Trigger(ctx context.Context, sess *auth.Session, deviceID, firmwareFilename string) (*Result, error) {
	if err := auth.RequireRole(sess, model.RoleAdmin); err != nil {
		return nil, err
	}
	if deviceID == "" || firmwareFilename == "" {
		t.metrics.IncTrigger(observability.TriggerRejected)
		return nil, ErrMissingParameter
	}
	if !model.ValidDeviceID(deviceID) {
		t.metrics.IncTrigger(observability.TriggerRejected)
		return nil, fmt.Errorf("%w: deviceId %q", ErrInvalidParameter, deviceID)
	}
	if !store.ValidFilename(firmwareFilename) {
		t.metrics.IncTrigger(observability.TriggerRejected)
		return nil, fmt.Errorf("%w: firmwareFilename %q", ErrInvalidParameter, firmwareFilename)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	art, err := t.artifacts.Lookup(ctx, firmwareFilename)
	if err != nil {
		t.metrics.IncTrigger(observability.TriggerRejected)
		return nil, err
	}

	res := &Result{
		Device:      deviceID,
		Filename:    art.Filename,
		FirmwareURL: t.cfg.BaseURL + art.Path,
		SHA256:      art.SHA256,
	}
	payload, err := json.Marshal(model.Command{Action: "ota", URL: res.FirmwareURL, SHA256: res.SHA256})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	session := bus.Open(t.cfg.Bus)
	defer session.Close()

	log := t.logger.With("device", deviceID, "firmware", art.Filename, "client_id", session.ClientID())

	if err := session.WaitConnected(ctx); err != nil {
		outcome := observability.TriggerConnectFailed
		switch {
		case errors.Is(err, bus.ErrTimeout):
			outcome = observability.TriggerTimeout
		case errors.Is(err, context.Canceled):
			outcome = observability.TriggerCanceled
		case errors.Is(err, bus.ErrAuthRejected):
			outcome = observability.TriggerAuthRejected
		}
		t.metrics.IncTrigger(outcome)
		log.Warn("ota trigger failed", "phase", "connect", "error", err, "elapsed", time.Since(start))
		return nil, err
	}

	if err := session.Publish(ctx, model.CommandTopic(deviceID), payload, 1); err != nil {
		outcome := observability.TriggerPublishFailed
		switch {
		case errors.Is(err, bus.ErrTimeout):
			outcome = observability.TriggerTimeout
		case errors.Is(err, context.Canceled):
			outcome = observability.TriggerCanceled
		case errors.Is(err, bus.ErrNotConnected):
			// The connection dropped between the handshake and the publish.
			err = fmt.Errorf("%w: %v", bus.ErrPublishFailure, err)
		}
		t.metrics.IncTrigger(outcome)
		log.Warn("ota trigger failed", "phase", "publish", "error", err, "elapsed", time.Since(start))
		return nil, err
	}

	t.metrics.IncTrigger(observability.TriggerOK)
	log.Info("ota command published", "url", res.FirmwareURL, "elapsed", time.Since(start))
	return res, nil
}
