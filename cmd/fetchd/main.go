package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/playdeck/fetchd/internal/api"
	"github.com/playdeck/fetchd/internal/app"
	"github.com/playdeck/fetchd/internal/domain"
	"github.com/playdeck/fetchd/internal/engine"
	"github.com/playdeck/fetchd/internal/infra/config"
	"github.com/playdeck/fetchd/internal/infra/logger"
	"github.com/playdeck/fetchd/internal/source"
	"github.com/playdeck/fetchd/internal/store"
)

var (
	cfgPath string
	apiAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "fetchd",
		Short: "Download engine for the game library client",
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.yaml")
	root.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "address of a running fetchd instance")

	root.AddCommand(serveCmd(), addCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			log, err := logger.New(cfg.Log.Level, cfg.Log.Path, cfg.Log.IncludeStdout)
			if err != nil {
				return fmt.Errorf("logger error: %w", err)
			}

			st, err := store.NewPersistentStore(cfg.Store.SQLitePath)
			if err != nil {
				return fmt.Errorf("store error: %w", err)
			}
			defer st.Close()

			appCtx := app.NewContext(cfg, log, st, source.NewHTTPResolver(nil))

			mgr, err := engine.NewQueueManager(appCtx)
			if err != nil {
				return fmt.Errorf("engine error: %w", err)
			}

			e := echo.New()
			api.RegisterRoutes(e, appCtx, mgr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				mgr.Run(gctx)
				return nil
			})

			g.Go(func() error {
				log.Info("listening on :%s", cfg.Port)
				sc := echo.StartConfig{Address: ":" + cfg.Port, GracefulTimeout: 5 * time.Second}
				if err := sc.Start(gctx, e); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})

			err = g.Wait()
			log.Info("shutdown complete")
			return err
		},
	}
}

func addCmd() *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "add <source-ref>",
		Short: "Submit a download to a running fetchd instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{
				"source_ref": args[0],
				"priority":   priority,
			})
			resp, err := http.Post(apiAddr+"/api/downloads", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusCreated {
				var apiErr struct {
					Error string `json:"error"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&apiErr)
				return fmt.Errorf("submit rejected (%d): %s", resp.StatusCode, apiErr.Error)
			}

			var out struct {
				ID string `json:"id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Println(out.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "job priority: high, normal or low")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show all downloads known to a running fetchd instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(apiAddr + "/api/downloads")
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var jobs []domain.Snapshot
			if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
				return err
			}

			if len(jobs) == 0 {
				fmt.Println("no downloads")
				return nil
			}

			for _, j := range jobs {
				fmt.Println(formatJob(j))
			}
			return nil
		},
	}
}

func formatJob(j domain.Snapshot) string {
	progress := "?"
	if j.TotalBytes > 0 {
		progress = fmt.Sprintf("%.1f%%", float64(j.DownloadedBytes)/float64(j.TotalBytes)*100)
	}
	line := fmt.Sprintf("%s  %-11s %6s  %s/%s  %s",
		j.ID, j.Status, progress,
		humanize.Bytes(uint64(j.DownloadedBytes)), humanize.Bytes(uint64(j.TotalBytes)),
		j.Title)
	if j.Status == domain.StatusDownloading && j.SpeedBps > 0 {
		line += fmt.Sprintf("  %s/s", humanize.Bytes(uint64(j.SpeedBps)))
	}
	if j.LastError != "" {
		line += "  (" + j.LastError + ")"
	}
	return line
}
