package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sebas/dialout/internal/job"
	"github.com/sebas/dialout/internal/orchestrator"
)

var dialFlags struct {
	metadata string
	phone    string
	prompt   string
	client   string
	identity string
	trunk    string
}

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Place one outbound call and stay on it until it ends",
	Long: `Place one outbound call and bridge it to the agent. The job comes either
from --metadata (the same JSON a dispatch message carries) or from the
individual flags.

Examples:
  dialout dial --phone +37060000000 --trunk main
  dialout dial --metadata '{"phone_number":"+37060000000","client_name":"Acme"}'`,
	Args: cobra.NoArgs,
	RunE: runDial,
}

func init() {
	f := dialCmd.Flags()
	f.StringVar(&dialFlags.metadata, "metadata", "", "Job metadata as JSON")
	f.StringVar(&dialFlags.phone, "phone", "", "Number to call")
	f.StringVar(&dialFlags.prompt, "prompt", "", "Custom agent instructions")
	f.StringVar(&dialFlags.client, "client", "", "Client label for logs")
	f.StringVar(&dialFlags.identity, "identity", "", "Participant identity (defaults to the number)")
	f.StringVar(&dialFlags.trunk, "job-trunk", "", "Trunk for this call only")
}

func dialJob() (*job.CallJob, error) {
	if dialFlags.metadata != "" {
		return job.Parse([]byte(dialFlags.metadata))
	}
	return job.New(dialFlags.phone,
		job.WithInstructions(dialFlags.prompt),
		job.WithClientName(dialFlags.client),
		job.WithParticipantIdentity(dialFlags.identity),
		job.WithTrunk(dialFlags.trunk),
	)
}

func runDial(cmd *cobra.Command, _ []string) error {
	j, err := dialJob()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.Default()
	st, err := newStack(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	go func() {
		if err := st.ua.Serve(ctx); err != nil {
			slog.Error("SIP server error", "error", err)
			stop()
		}
	}()

	call, err := st.orchestrator.EstablishCall(ctx, j)
	if err != nil {
		return fmt.Errorf("call not established (%s): %w", orchestrator.Kind(err), err)
	}

	slog.Info("Call in progress, Ctrl-C hangs up", j.LogAttrs()...)
	select {
	case <-call.Done():
	case <-ctx.Done():
		hangCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := call.Hangup(hangCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("Hangup failed", "error", err)
		}
	}

	slog.Info("Call ended", "job_id", j.ID(), "reason", call.EndReason())
	return nil
}
