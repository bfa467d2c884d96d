// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Sentinel is the per-host supervisor (spec.md §1): it claims tasks
// from the bus, boots a microVM per task, relays guest traffic, and
// tears the VM down on completion. One instance runs per host.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gbe-systems/sentinel/beacon"
	"github.com/gbe-systems/sentinel/bus"
	"github.com/gbe-systems/sentinel/channel"
	"github.com/gbe-systems/sentinel/claim"
	"github.com/gbe-systems/sentinel/config"
	"github.com/gbe-systems/sentinel/lib/clock"
	"github.com/gbe-systems/sentinel/lifecycle"
	"github.com/gbe-systems/sentinel/netattach"
	"github.com/gbe-systems/sentinel/overlay"
	"github.com/gbe-systems/sentinel/queue"
	"github.com/gbe-systems/sentinel/sentinelerr"
	"github.com/gbe-systems/sentinel/slot"
	"github.com/gbe-systems/sentinel/statestore"
	"github.com/gbe-systems/sentinel/toolbroker"
)

func main() {
	err := run()
	os.Exit(sentinelerr.ExitCode(err))
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to sentinel.yaml (defaults to $SENTINEL_CONFIG)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.Config, err)
	}
	if err := cfg.Validate(); err != nil {
		return sentinelerr.Wrap(sentinelerr.Config, err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return sentinelerr.Wrap(sentinelerr.Config, err)
	}
	hypervisorBin, err := cfg.ResolveHypervisorBin()
	if err != nil {
		return sentinelerr.Wrap(sentinelerr.PrerequisiteMissing, err)
	}
	if _, err := os.Stat(cfg.KernelPath); err != nil {
		return sentinelerr.Wrap(sentinelerr.PrerequisiteMissing, fmt.Errorf("kernel image %s: %w", cfg.KernelPath, err))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := newSupervisor(cfg, hypervisorBin, logger)
	if err != nil {
		return err
	}
	defer sup.closeAudit()

	return sup.run(rootCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// supervisor composes every component named in spec.md §2 and drives
// the claim -> lifecycle -> teardown pipeline for each configured task
// type, plus the Beacon's health/capacity reporting.
type supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	transport bus.Transport
	store     statestore.StateStore
	tracker   *slot.Tracker
	overlay   *overlay.Manager
	network   *netattach.Manager
	mux       *channel.Multiplexer
	broker    *toolbroker.Broker
	audit     *toolbroker.AuditLog
	auditPath string
	beacon    *beacon.Beacon
	claimant  *claim.Claimant
	auditMu   sync.Mutex

	deps lifecycle.Deps

	nextCID uint32
	cidMu   sync.Mutex
}

// newSupervisor wires the components. It does not yet accept
// production bus/state-store backends — those are external
// collaborators (spec.md §1) reached through the bus.Transport and
// statestore.StateStore interfaces; this binary ships the in-process
// implementations until a deployment-specific adapter is configured.
func newSupervisor(cfg *config.Config, hypervisorBin string, logger *slog.Logger) (*supervisor, error) {
	transport := bus.NewMemory()
	store := statestore.NewMemory()

	tracker := slot.New(cfg.Slots)

	overlayMgr := overlay.New(cfg.ImageDir, cfg.OverlayDir, filepath.Join(cfg.ImageDir, ".manifest.json")).WithLogger(logger)
	if err := overlayMgr.LoadManifest(); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.PrerequisiteMissing, err)
	}

	proxyBroker := netattach.NewProxyBroker(logger)
	netMgr := netattach.New(logger, proxyBroker, cfg.OverlayDir)

	mux := channel.New(logger)

	auditPath := filepath.Join(cfg.OverlayDir, "tool-audit.db")
	audit, err := toolbroker.OpenAuditLog(auditPath)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.PrerequisiteMissing, err)
	}
	broker := toolbroker.New(audit, logger)

	beaconInst := beacon.New(transport, tracker, clock.Real(), logger, cfg.Namespace, cfg.HostID, cfg.HeartbeatInterval)

	claimant := &claim.Claimant{
		Store:     store,
		HostID:    cfg.HostID,
		Namespace: cfg.Namespace,
		Clock:     clock.Real(),
		Logger:    logger,
	}

	deps := lifecycle.Deps{
		Overlay:       overlayMgr,
		Network:       netMgr,
		Multiplexer:   mux,
		Transport:     transport,
		Store:         store,
		Clock:         clock.Real(),
		Logger:        logger,
		Broker:        broker,
		Executors:     map[string]toolbroker.Executor{},
		HypervisorBin: hypervisorBin,
		KernelPath:    cfg.KernelPath,
		SocketDir:     cfg.OverlayDir,
		Namespace:     cfg.Namespace,
		HostID:        cfg.HostID,
		BusRetries:    3,
	}

	return &supervisor{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		store:     store,
		tracker:   tracker,
		overlay:   overlayMgr,
		network:   netMgr,
		mux:       mux,
		broker:    broker,
		audit:     audit,
		auditPath: auditPath,
		beacon:    beaconInst,
		claimant:  claimant,
		deps:      deps,
		nextCID:   3, // CIDs 0-2 are reserved by convention (host, hypervisor, loopback)
	}, nil
}

func (s *supervisor) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// auditRotateInterval is how often the supervisor checks whether the
// shared audit log has crossed its rotation threshold.
const auditRotateInterval = 5 * time.Minute

// runAuditRotation rotates the audit log whenever it exceeds
// cfg.AuditRotateBytes, archiving it with toolbroker.Rotate and
// reopening a fresh log at the same path so the Tool Broker keeps
// recording without interruption. A non-positive AuditRotateBytes
// disables rotation.
func (s *supervisor) runAuditRotation(ctx context.Context) {
	if s.cfg.AuditRotateBytes <= 0 {
		return
	}
	ticker := time.NewTicker(auditRotateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.rotateAuditIfNeeded()
		case <-ctx.Done():
			return
		}
	}
}

func (s *supervisor) rotateAuditIfNeeded() {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	info, err := os.Stat(s.auditPath)
	if err != nil || info.Size() < s.cfg.AuditRotateBytes {
		return
	}

	archivePath, err := toolbroker.Rotate(s.audit)
	if err != nil {
		s.log().Error("audit log rotation failed", "error", err)
		return
	}
	fresh, err := toolbroker.OpenAuditLog(s.auditPath)
	if err != nil {
		s.log().Error("reopening audit log after rotation failed", "error", err)
		return
	}
	s.audit = fresh
	s.broker.SetAudit(fresh)
	s.log().Info("rotated audit log", "archive", archivePath, "size_before", info.Size())
}

func (s *supervisor) closeAudit() {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if err := s.audit.Close(); err != nil {
		s.log().Warn("closing audit log failed", "error", err)
	}
}

// allocateCID hands out a unique guest context identifier for each
// provisioned VM (spec.md §4.7 "provisioning: Allocate CID").
func (s *supervisor) allocateCID() uint32 {
	s.cidMu.Lock()
	defer s.cidMu.Unlock()
	cid := s.nextCID
	s.nextCID++
	return cid
}

// run drives the supervisor until ctx is cancelled, then drains
// in-flight lifecycles up to cfg.DrainDeadline before forcing them to
// terminate (spec.md §5 "Cancellation").
func (s *supervisor) run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var coordinators sync.WaitGroup

	go s.beacon.Run(ctx)
	go s.runAuditRotation(ctx)

	var consumers sync.WaitGroup
	for _, taskType := range s.cfg.TaskTypes {
		consumer := &queue.Consumer{
			Transport:   s.transport,
			Tracker:     s.tracker,
			Namespace:   s.cfg.Namespace,
			TaskType:    taskType,
			MaxInflight: s.cfg.Slots,
			Handler:     s.handle(workCtx, &coordinators),
			Logger:      s.logger,
		}
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := consumer.Run(ctx); err != nil {
				s.log().Error("queue consumer exited", "task_type", taskType, "error", err)
			}
		}()
	}

	<-ctx.Done()
	s.log().Info("shutdown signal received, draining in-flight lifecycles", "drain_deadline", s.cfg.DrainDeadline)
	consumers.Wait()

	drained := make(chan struct{})
	go func() {
		coordinators.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.log().Info("all lifecycles drained cleanly")
	case <-time.After(s.cfg.DrainDeadline):
		s.log().Warn("drain deadline exceeded, forcing termination")
		cancelWork()
		<-drained
	}

	s.log().Info("supervisor exiting")
	return nil
}

// handle returns the queue.Handler that claims a delivered message and
// launches its Lifecycle Coordinator. wg tracks every Coordinator
// launched so run can wait for the drain to complete.
func (s *supervisor) handle(workCtx context.Context, wg *sync.WaitGroup) queue.Handler {
	return func(ctx context.Context, msg bus.Message, tok *slot.Token) {
		descriptor, err := claim.DescriptorFromMessage(msg)
		if err != nil || descriptor.ID == "" {
			s.log().Warn("dropping malformed task message", "error", err)
			msg.Nak()
			tok.Release()
			return
		}

		profile, ok := s.cfg.Profiles[descriptor.Profile]
		if !ok {
			s.log().Warn("unknown profile, dropping task", "task_id", descriptor.ID, "profile", descriptor.Profile)
			msg.Nak()
			tok.Release()
			return
		}

		cid := s.allocateCID()

		result, err := s.claimant.Claim(ctx, descriptor, cid, profile.TimeoutSec, tok)
		if err != nil {
			if sentinelerr.Is(err, sentinelerr.CASConflict) {
				msg.Nak()
				return
			}
			s.log().Error("claim failed", "task_id", descriptor.ID, "error", err)
			msg.Nak()
			return
		}
		msg.Ack()

		coordinator := lifecycle.New(s.deps, result, cid, descriptor.Profile, profile)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.broker.Forget(descriptor.ID)
			outcome := coordinator.Run(workCtx)
			s.log().Info("lifecycle finished", "task_id", descriptor.ID, "state", outcome.State, "cause", outcome.Cause)
		}()
	}
}
