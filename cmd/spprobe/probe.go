package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/filbeam/spprobe/pkg/chain"
	"github.com/filbeam/spprobe/pkg/httpprobe"
	"github.com/filbeam/spprobe/pkg/pipeline"
	"github.com/filbeam/spprobe/pkg/queue"
	"github.com/filbeam/spprobe/pkg/recorder"
	"github.com/filbeam/spprobe/pkg/store"
	"github.com/filbeam/spprobe/pkg/types"
)

// cancelWait bounds how long a one-shot probe waits for a scheduled run
// to yield its singleton slot
const cancelWait = 30 * time.Second

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage the provider registry mirror",
}

var providersSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync providers from the on-chain registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := store.Open(ctx, cfg.DatabaseURL, cfg.PoolMax)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		gw, err := chain.New(ctx, cfg, st)
		if err != nil {
			return fmt.Errorf("failed to initialise chain gateway: %w", err)
		}
		defer gw.Close()

		n, err := gw.SyncProviders(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Synced %d providers\n", n)
		return nil
	},
}

var (
	probeProvider string
	probeDealID   string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run a single probe immediately",
	Long: `Run one probe against a provider outside the planned schedule.
Any queued or running scheduled probe for the same provider and family
is cancelled first so the singleton slot is free.`,
}

var probeUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Run one upload probe against a provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		if probeProvider == "" {
			return fmt.Errorf("--provider is required")
		}
		return runOneShot(cmd.Context(), types.JobFamilyDeal)
	},
}

var probeRetrievalCmd = &cobra.Command{
	Use:   "retrieval",
	Short: "Run one retrieval probe against a provider or a specific deal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if probeProvider == "" && probeDealID == "" {
			return fmt.Errorf("either --provider or --deal is required")
		}
		return runOneShot(cmd.Context(), types.JobFamilyRetrieval)
	},
}

func init() {
	providersCmd.AddCommand(providersSyncCmd)

	probeCmd.AddCommand(probeUploadCmd)
	probeCmd.AddCommand(probeRetrievalCmd)
	probeCmd.PersistentFlags().StringVar(&probeProvider, "provider", "", "Provider address to probe")
	probeRetrievalCmd.Flags().StringVar(&probeDealID, "deal", "", "Probe a specific deal instead of the provider's latest")
}

func runOneShot(ctx context.Context, family types.JobFamily) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.PoolMax)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	gw, err := chain.New(ctx, cfg, st)
	if err != nil {
		return fmt.Errorf("failed to initialise chain gateway: %w", err)
	}
	defer gw.Close()

	var deal *types.Deal
	if probeDealID != "" {
		deal, err = st.GetDeal(ctx, probeDealID)
		if err != nil {
			return fmt.Errorf("unknown deal %s: %w", probeDealID, err)
		}
		probeProvider = deal.SPAddress
	}

	sp, err := gw.Provider(ctx, probeProvider)
	if err != nil {
		return fmt.Errorf("unknown provider %s: %w", probeProvider, err)
	}

	// Pre-empt any scheduled run holding the singleton slot.
	q := queue.New(st.DB(), probeQueueName, queue.Config{MaxAttempts: cfg.MaxAttempts})
	singleton := types.SingletonKey(family, sp.Address)
	if err := q.CancelSingleton(ctx, singleton, cancelWait); err != nil {
		return fmt.Errorf("failed to pre-empt scheduled probe: %w", err)
	}

	client := httpprobe.New(httpprobe.Config{
		ConnectTimeout:      time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		RequestTimeout:      time.Duration(cfg.HTTPRequestTimeoutMs) * time.Millisecond,
		HTTP2RequestTimeout: time.Duration(cfg.HTTP2RequestTimeoutMs) * time.Millisecond,
	})
	pipe := pipeline.New(gw, client, buildRegistry(cfg, client), recorder.New(st), st, cfg)

	switch {
	case family == types.JobFamilyDeal:
		err = pipe.RunUpload(ctx, sp)
	case deal != nil:
		err = pipe.RunRetrievalForDeal(ctx, sp, deal)
	default:
		err = pipe.RunRetrieval(ctx, sp)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Probe completed for %s\n", sp.Address)
	return nil
}
