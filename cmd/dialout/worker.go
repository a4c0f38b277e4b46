package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sebas/dialout/internal/api"
	"github.com/sebas/dialout/internal/banner"
	"github.com/sebas/dialout/internal/dispatch"
	"github.com/sebas/dialout/internal/health"
	"github.com/sebas/dialout/internal/logger"
)

const shutdownTimeout = 15 * time.Second

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a long-lived worker taking call jobs from NATS and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	log := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStack(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	banner.Print(os.Stdout, "DIALOUT WORKER", []banner.ConfigLine{
		{Label: "Node", Value: cfg.NodeID},
		{Label: "Agent", Value: cfg.AgentName},
		{Label: "SIP", Value: fmt.Sprintf("%s %s:%d (advertise %s)", cfg.Transport, cfg.BindAddr, cfg.SIPPort, cfg.AdvertiseAddr)},
		{Label: "RTP Ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "Default Trunk", Value: cfg.OutboundTrunkID},
		{Label: "Join Timeout", Value: cfg.JoinTimeoutFor(cfg.OutboundTrunkID).String()},
		{Label: "Trunks", Value: strconv.Itoa(len(cfg.Trunks))},
		{Label: "Model", Value: cfg.Model},
		{Label: "Voice", Value: cfg.Voice},
		{Label: "API Key", Value: banner.Mask(cfg.APIKey)},
		{Label: "NATS", Value: cfg.NATSURL},
		{Label: "Job Subject", Value: cfg.JobSubject},
		{Label: "Max Calls", Value: strconv.Itoa(cfg.MaxConcurrentCalls)},
		{Label: "HTTP API", Value: cfg.HTTPAddr},
		{Label: "gRPC Health", Value: cfg.GRPCAddr},
		{Label: "Log Level", Value: logger.GetLevel()},
	})

	go func() {
		if err := st.ua.Serve(ctx); err != nil {
			slog.Error("SIP server error", "error", err)
			stop()
		}
	}()

	d := dispatch.New(dispatch.Config{
		MaxConcurrent: cfg.MaxConcurrentCalls,
		DefaultTrunk:  cfg.OutboundTrunkID,
		TrunkLimits:   trunkLimits(cfg),
	}, dispatch.Orchestrated(st.orchestrator), st.metrics, log)
	d.Start(ctx)

	var sub *dispatch.Subscriber
	if st.nc != nil {
		sub = dispatch.NewSubscriber(st.nc, cfg.JobSubject, cfg.QueueGroup, d, log)
		if err := sub.Start(ctx); err != nil {
			return err
		}
	}

	var apiSrv *api.Server
	if cfg.HTTPAddr != "" {
		apiSrv = api.NewServer(d, st.metrics.Handler(), cfg.NodeID, log)
		apiSrv.SetDialogs(st.ua.Gateway())
		go func() {
			if err := apiSrv.Start(cfg.HTTPAddr); err != nil {
				slog.Error("HTTP API error", "error", err)
				stop()
			}
		}()
	}

	var healthSrv *health.Server
	if cfg.GRPCAddr != "" {
		healthSrv = health.NewServer(log)
		go func() {
			if err := healthSrv.ListenAndServe(cfg.GRPCAddr); err != nil {
				slog.Error("gRPC health error", "error", err)
			}
		}()
		healthSrv.SetServing(true)
	}

	slog.Info("Worker started", "node_id", cfg.NodeID)
	<-ctx.Done()
	slog.Info("Shutting down worker")

	if healthSrv != nil {
		healthSrv.SetServing(false)
	}
	if sub != nil {
		if err := sub.Stop(); err != nil {
			slog.Warn("Job subscription drain failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if apiSrv != nil {
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP API shutdown failed", "error", err)
		}
	}
	if err := d.Wait(shutdownCtx); err != nil {
		slog.Warn("Calls still running at shutdown",
			"active", len(d.Active()),
			"sip_dialogs", st.ua.Gateway().ActiveCalls(),
		)
	}
	if err := st.publisher.Flush(shutdownCtx); err != nil {
		slog.Warn("Event flush failed", "error", err)
	}
	if healthSrv != nil {
		healthSrv.Stop()
	}

	slog.Info("Worker stopped")
	return nil
}
