package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jc2409/jsonify/internal/api"
	"github.com/jc2409/jsonify/internal/archive"
	"github.com/jc2409/jsonify/internal/config"
	"github.com/jc2409/jsonify/internal/logger"
)

const shutdownTimeout = 15 * time.Second

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "jsonify",
		Short:        "Turn zip archives into per-file JSON metadata",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("JSONIFY_CONFIG"), "config file (json or yaml)")
	root.AddCommand(serveCommand(), processCommand(), packageCommand())
	return root
}

func loadConfig() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload and download HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				log.Error("startup failed", logger.Error(err))
				return err
			}
			defer a.close()

			a.catalog.StartOutputSweeper(ctx,
				time.Duration(cfg.BasicConfig.SweepInterval)*time.Minute,
				time.Duration(cfg.BasicConfig.OutputTTL)*time.Minute,
				a.staging.RemoveOutput,
			)

			if !cfg.Logging.Development {
				gin.SetMode(gin.ReleaseMode)
			}
			router := gin.New()
			router.Use(logger.GinMiddleware(log), gin.Recovery())
			handler := api.NewHandler(a.pipeline, a.catalog, a.staging, a.metrics, cfg.BasicConfig.MaxUploadBytes, log)
			handler.RegisterRoutes(router)

			srv := &http.Server{
				Addr:              cfg.BasicConfig.ServerAddress,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info("server listening", logger.String("addr", srv.Addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", logger.Error(err))
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func processCommand() *cobra.Command {
	var pkgPath string
	cmd := &cobra.Command{
		Use:   "process <archive.zip>",
		Short: "Process one archive and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			runID := uuid.NewString()
			if _, err := a.catalog.CreateRun(ctx, runID, filepath.Base(args[0]), a.staging.OutputDir(runID)); err != nil {
				return err
			}
			res, err := a.pipeline.Run(ctx, runID, args[0])
			if err != nil {
				if ferr := a.catalog.FailRun(context.WithoutCancel(ctx), runID, err); ferr != nil {
					log.Error("record failed run", logger.String("run_id", runID), logger.Error(ferr))
				}
				return err
			}
			if err := a.catalog.CompleteRun(context.WithoutCancel(ctx), res); err != nil {
				log.Error("record completed run", logger.String("run_id", runID), logger.Error(err))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %d processed, %d failed, %d skipped\n", res.RunID, res.Processed, res.Failed, res.Skipped)
			for _, f := range res.Failures() {
				fmt.Fprintf(out, "  %s: %s (%s)\n", f.Path, f.ErrorKind, f.Error)
			}
			fmt.Fprintf(out, "output: %s\n", res.OutputDir)

			if pkgPath != "" {
				if err := archive.PackageFile(res.OutputDir, pkgPath); err != nil {
					return err
				}
				fmt.Fprintf(out, "package: %s\n", pkgPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pkgPath, "package", "", "also write the results as a zip to this path")
	return cmd
}

func packageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "package <dir> <out.zip>",
		Short: "Zip the JSON artifacts under a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := archive.PackageFile(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "package: %s\n", args[1])
			return nil
		},
	}
}
