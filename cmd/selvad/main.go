// Command selvad is the Selva core daemon entrypoint: it loads
// configuration and the node-type schema, restores the most recent
// on-disk snapshot if one exists, starts the TCP command server, and
// saves a final snapshot on graceful shutdown. Grounded on the
// teacher's cmd/bd daemon entrypoint (cmd/bd/daemon_server.go's
// startRPCServer/runEventLoop pair and a root cobra.Command per
// cmd/bd/reset.go's shape), generalized from a Unix-socket git-backed
// daemon to a TCP graph-database one.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/selvadb/selva/internal/command"
	"github.com/selvadb/selva/internal/config"
	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/logx"
	"github.com/selvadb/selva/internal/persist"
	"github.com/selvadb/selva/internal/server"
)

var (
	flagDataDir    string
	flagSchemaPath string
	flagLogFile    string
)

func main() {
	root := &cobra.Command{
		Use:   "selvad",
		Short: "Selva in-memory hierarchical graph database daemon",
	}
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", config.EnvOrDefault("SELVA_DATA_DIR", "./selva-data"), "snapshot and detached-subtree storage directory")
	root.PersistentFlags().StringVar(&flagSchemaPath, "schema", config.EnvOrDefault("SELVA_SCHEMA", ""), "path to a selva.toml node-type/edge-constraint schema (optional)")
	root.PersistentFlags().StringVar(&flagLogFile, "log-file", config.EnvOrDefault("SELVA_LOG_FILE", ""), "log file path (stderr if empty)")

	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Selva daemon and serve the command protocol over TCP",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if flagLogFile != "" {
		logx.SetLogFile(flagLogFile, 50, 5, 30)
		defer logx.Close()
	}
	if err := config.Initialize(); err != nil {
		return fmt.Errorf("selvad: config: %w", err)
	}

	store, err := persist.Open(flagDataDir, fmt.Sprintf("%d", os.Getpid()))
	if err != nil {
		return fmt.Errorf("selvad: open store: %w", err)
	}
	defer store.Close()

	disp, err := restoreOrCreate(store)
	if err != nil {
		return fmt.Errorf("selvad: restore snapshot: %w", err)
	}

	if flagSchemaPath != "" {
		if err := applySchema(disp.H, flagSchemaPath); err != nil {
			return fmt.Errorf("selvad: load schema: %w", err)
		}
		stop, err := config.WatchSchema(flagSchemaPath, func(s *config.Schema) {
			for _, nt := range s.NodeType {
				for _, e := range nt.Edge {
					disp.H.AddConstraint(hierarchy.EdgeConstraint{
						SourceType:    nt.Prefix,
						FieldName:     e.Field,
						Multi:         e.Multi,
						Bidirectional: e.Bidirectional,
						Dynamic:       e.Dynamic,
					})
				}
			}
			logx.Infof("selvad: schema %s reloaded", flagSchemaPath)
		})
		if err != nil {
			logx.Warnf("selvad: schema watch disabled: %v", err)
		} else {
			defer stop()
		}
	}

	port := config.GetInt(config.KeyPort)
	addr := fmt.Sprintf(":%d", port)
	srv := server.New(addr, disp, config.GetInt(config.KeyServerMaxClients))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErrChan := make(chan error, 1)
	go func() {
		logx.Infof("selvad: starting server on %s", addr)
		if err := srv.Start(ctx); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case err := <-serverErrChan:
		return fmt.Errorf("selvad: server failed to start: %w", err)
	case <-srv.WaitReady():
		logx.Infof("selvad: ready")
	case <-time.After(5 * time.Second):
		logx.Warnf("selvad: server didn't signal ready after 5s (may still be starting)")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logx.Infof("selvad: received signal %v, shutting down", sig)
	case err := <-serverErrChan:
		logx.Errorf("selvad: server error: %v", err)
	case <-ctx.Done():
	}

	cancel()
	_ = srv.Stop()

	if err := saveSnapshot(store, disp); err != nil {
		logx.Errorf("selvad: final snapshot save failed: %v", err)
	}
	return nil
}

func restoreOrCreate(store *persist.Store) (*command.Dispatcher, error) {
	raw, found, err := store.LoadSnapshot(context.Background())
	if err != nil {
		return nil, err
	}
	if !found {
		return command.NewDispatcher(), nil
	}
	h, em, se, err := persist.DecodeSnapshot(raw)
	if err != nil {
		return nil, err
	}
	logx.Infof("selvad: restored snapshot (%d nodes)", h.NodeCount())
	return command.NewDispatcherFromSnapshot(h, em, se), nil
}

func saveSnapshot(store *persist.Store, disp *command.Dispatcher) error {
	data, err := persist.EncodeSnapshot(disp.H, disp.Em, disp.Subs)
	if err != nil {
		return err
	}
	return store.SaveSnapshot(context.Background(), data)
}

func applySchema(h *hierarchy.Hierarchy, path string) error {
	schema, err := config.LoadSchema(path)
	if err != nil {
		return err
	}
	for _, nt := range schema.NodeType {
		for _, e := range nt.Edge {
			h.AddConstraint(hierarchy.EdgeConstraint{
				SourceType:    nt.Prefix,
				FieldName:     e.Field,
				Multi:         e.Multi,
				Bidirectional: e.Bidirectional,
				Dynamic:       e.Dynamic,
			})
		}
	}
	return nil
}
