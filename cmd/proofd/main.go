package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/internal/api"
	"github.com/archiveorigin/proofd/internal/attestation"
	"github.com/archiveorigin/proofd/internal/auth"
	"github.com/archiveorigin/proofd/internal/crl"
	"github.com/archiveorigin/proofd/internal/database"
	"github.com/archiveorigin/proofd/internal/devicecheck"
	"github.com/archiveorigin/proofd/internal/ledger"
	"github.com/archiveorigin/proofd/internal/ratelimit"
	"github.com/archiveorigin/proofd/internal/timesync"
	"github.com/archiveorigin/proofd/internal/tokens"
	"github.com/archiveorigin/proofd/internal/verify"
	"github.com/archiveorigin/proofd/pkg/logger"
)

var (
	version    = "1.0.0"
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:     "proofd",
		Short:   "Provenance proof service: enrolment, lock-proofs, sealing and verification",
		Version: version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")

	root.AddCommand(serveCmd(), sealCmd(), certsCmd(), crlCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, logger.New("proofd", cfg.LogLevel), nil
}

func openDatabase(ctx context.Context, cfg *config.Config, log *logger.Logger) (*database.DB, error) {
	db, err := database.New(cfg.Database, log.With("database"))
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			log.Info("Starting proofd", "version", version)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			db, err := openDatabase(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			var checker tokens.DeviceChecker
			if cfg.DeviceCheck.Enabled {
				client, err := devicecheck.New(cfg.DeviceCheck, log.With("devicecheck"))
				if err != nil {
					return err
				}
				checker = client
			}

			trustedTime := timesync.New(cfg.NTPServers, time.Minute, log.With("timesync"))
			tokenSvc := tokens.New(db, cfg.Tokens, cfg.DeviceCheck, checker, log.With("tokens"))
			engine := verify.NewEngine(db, cfg.Verifier, trustedTime, log.With("verify"))
			limiter := ratelimit.New(time.Minute, 10000)
			server := api.NewServer(cfg, db, tokenSvc, engine, auth.New(cfg), limiter, log.With("api"))

			// Periodic CRL refresh keeps revocation state current while
			// the server runs.
			refresher := crl.New(db, cfg.CRL, log.With("crl"))
			go func() {
				ticker := time.NewTicker(cfg.CRL.RefreshInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if _, err := refresher.Refresh(ctx); err != nil {
							log.Warn("CRL refresh pass failed", "error", err.Error())
						}
					}
				}
			}()

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				log.Info("Received shutdown signal", "signal", sig.String())
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()
			return server.Stop(shutdownCtx)
		},
	}
}

func sealCmd() *cobra.Command {
	var (
		commit bool
		push   bool
		remote string
		branch string
	)
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal pending capture records into a Merkle batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			commitToGit := commit || cfg.Ledger.GitAutoCommit
			pushToGit := push || cfg.Ledger.GitAutoPush
			if pushToGit {
				commitToGit = true
			}

			sealer := ledger.NewSealer(db, cfg.Ledger, nil, log.With("ledger"))
			result, err := sealer.Seal(cmd.Context(), ledger.SealOptions{
				Commit: commitToGit,
				Push:   pushToGit,
				Remote: remote,
				Branch: branch,
			})
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Println("No pending capture proofs to seal.")
				return nil
			}
			summary := fmt.Sprintf("Sealed batch %s (%d records) root=%s",
				result.BatchID, result.RecordCount, result.RootHash)
			if result.GitCommitSHA != "" {
				summary += " commit=" + result.GitCommitSHA
			}
			fmt.Println(summary)
			return nil
		},
	}
	cmd.Flags().BoolVar(&commit, "commit", false, "create a git commit after sealing the batch")
	cmd.Flags().BoolVar(&push, "push", false, "push the git commit to the configured remote (implies --commit)")
	cmd.Flags().StringVar(&remote, "remote", "", "git remote name (default from config)")
	cmd.Flags().StringVar(&branch, "branch", "", "git branch name (default from config)")
	return cmd
}

func certsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage attestation certificates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ingest <dir>",
		Short: "Ingest attestation certificates from a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			ingester := attestation.NewIngester(db, log.With("attestation"))
			hashes, err := ingester.IngestDir(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Ingested %d certificates\n", len(hashes))
			return nil
		},
	})
	return cmd
}

func crlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crl",
		Short: "Certificate revocation list operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Fetch configured CRLs and apply revocations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := crl.New(db, cfg.CRL, log.With("crl")).Refresh(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("CRL refresh complete: checked=%d revoked=%d\n", report.Checked, report.Revoked)
			return nil
		},
	})
	return cmd
}
