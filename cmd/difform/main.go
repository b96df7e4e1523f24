// Package main provides the difform CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/difform/pkg/audit"
	"github.com/orneryd/difform/pkg/config"
	"github.com/orneryd/difform/pkg/difform"
	"github.com/orneryd/difform/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "difform",
		Short: "Difform - provenance graph for generated audio",
		Long: `difform records which generative model produced which batch of audio,
and where every sample of that batch lives on disk.

The knowledge graph and the audio files share one root directory:
  <root>/graph   persistent graph store
  <root>/audio   <mode>/<model>/<sample>.wav`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("root", "", "Knowledge graph root directory (overrides config)")
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("difform v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().String("address", "", "Address to bind (overrides config)")
	serveCmd.Flags().Int("port", -1, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Log an inference batch from WAV files",
		Long: `Log one inference batch. Each --wav file is one sample of the batch;
all files must have the same sample rate, length and channel count.`,
		Example: `  difform log --model m1 --mode variation --seed 7 \
      --wav a.wav --wav b.wav --meta noise_level=0.3`,
		RunE: runLog,
	}
	logCmd.Flags().StringArray("wav", nil, "Sample file (repeatable, in batch order)")
	logCmd.Flags().String("model", "", "Model name")
	logCmd.Flags().String("mode", "generation", "Inference mode")
	logCmd.Flags().Int64("seed", 0, "Generation seed")
	logCmd.Flags().Int("rate", 0, "Sample rate (default: the files' rate)")
	logCmd.Flags().String("source", "", "Node the batch was derived from")
	logCmd.Flags().StringArray("meta", nil, "Metadata key=value (repeatable)")
	logCmd.MarkFlagRequired("model")
	logCmd.MarkFlagRequired("wav")
	rootCmd.AddCommand(logCmd)

	importCmd := &cobra.Command{
		Use:   "import-model [name]",
		Short: "Register a model node",
		Args:  cobra.ExactArgs(1),
		RunE:  runImportModel,
	}
	importCmd.Flags().String("alias", "", "Display name")
	importCmd.Flags().StringArray("meta", nil, "Metadata key=value (repeatable)")
	rootCmd.AddCommand(importCmd)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the graph snapshot as JSON",
		RunE:  runExport,
	}
	exportCmd.Flags().StringP("out", "o", "", "Output file (default: stdout)")
	rootCmd.AddCommand(exportCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Cross-check the graph against the audio files",
		RunE:  runVerify,
	}
	verifyCmd.Flags().Bool("json", false, "Print the report as JSON")
	rootCmd.AddCommand(verifyCmd)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail of graph mutations",
		RunE:  runAudit,
	}
	auditCmd.Flags().String("model", "", "Only events about this model")
	auditCmd.Flags().Bool("failed", false, "Only refused mutations")
	auditCmd.Flags().Int("limit", 0, "Show at most this many events")
	auditCmd.Flags().Bool("report", false, "Print a summary instead of events")
	rootCmd.AddCommand(auditCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the config file, DIFFORM_* variables and flags, in
// that order, and installs the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if root, _ := cmd.Flags().GetString("root"); root != "" {
		cfg.Root = root
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openDKG(cmd *cobra.Command) (*difform.DKG, *config.Config, *slog.Logger, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	dkg, err := difform.Open(cfg.Root, cfg, difform.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening knowledge graph: %w", err)
	}
	return dkg, cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	dkg, cfg, logger, err := openDKG(cmd)
	if err != nil {
		return err
	}
	defer dkg.Close()

	serverConfig := server.DefaultConfig()
	serverConfig.Address = cfg.HTTPAddress
	serverConfig.Port = cfg.HTTPPort
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		serverConfig.Address = addr
	}
	if port, _ := cmd.Flags().GetInt("port"); port >= 0 {
		serverConfig.Port = port
	}

	if cfg.WatchAudio {
		watcher, err := dkg.Store().Watch(cmd.Context())
		if err != nil {
			logger.Warn("audio watcher not started, checksum cache trusts file mtimes", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	httpServer, err := server.New(dkg, serverConfig, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	fmt.Printf("difform v%s serving %s on http://%s\n", version, dkg.Root(), httpServer.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Stop(ctx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	return dkg.Sync()
}

func runLog(cmd *cobra.Command, args []string) error {
	files, _ := cmd.Flags().GetStringArray("wav")
	model, _ := cmd.Flags().GetString("model")
	mode, _ := cmd.Flags().GetString("mode")
	seed, _ := cmd.Flags().GetInt64("seed")
	rate, _ := cmd.Flags().GetInt("rate")
	source, _ := cmd.Flags().GetString("source")
	metaFlags, _ := cmd.Flags().GetStringArray("meta")

	meta, err := parseMeta(metaFlags)
	if err != nil {
		return err
	}
	output, fileRate, err := loadBatch(files)
	if err != nil {
		return err
	}
	if rate == 0 {
		rate = fileRate
	}

	dkg, _, _, err := openDKG(cmd)
	if err != nil {
		return err
	}
	defer dkg.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := dkg.LogInference(ctx, difform.InferenceEvent{
		Mode:        mode,
		ModelName:   model,
		SampleRate:  rate,
		Seed:        seed,
		Output:      output,
		AudioSource: source,
		Metadata:    meta,
	})
	if err != nil {
		return err
	}

	fmt.Printf("logged %s\n", res.BatchID)
	for i, id := range res.SampleIDs {
		fmt.Printf("  %s  %s\n", id, res.Paths[i])
	}
	return nil
}

func runImportModel(cmd *cobra.Command, args []string) error {
	alias, _ := cmd.Flags().GetString("alias")
	metaFlags, _ := cmd.Flags().GetStringArray("meta")
	meta, err := parseMeta(metaFlags)
	if err != nil {
		return err
	}

	dkg, _, _, err := openDKG(cmd)
	if err != nil {
		return err
	}
	defer dkg.Close()

	if err := dkg.ImportModel(cmd.Context(), difform.ModelEvent{Name: args[0], Alias: alias, Metadata: meta}); err != nil {
		return err
	}
	fmt.Printf("imported model %s\n", args[0])
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("out")

	dkg, _, _, err := openDKG(cmd)
	if err != nil {
		return err
	}
	defer dkg.Close()

	data, err := dkg.SnapshotJSON()
	if err != nil {
		return err
	}
	if out == "" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	return os.WriteFile(out, data, 0644)
}

var errVerifyFailed = errors.New("verification found problems")

func runVerify(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	dkg, _, _, err := openDKG(cmd)
	if err != nil {
		return err
	}
	defer dkg.Close()

	report, err := dkg.Verify(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		data, err := reportJSON(report)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		printReport(os.Stdout, report)
	}
	if !report.OK() {
		return errVerifyFailed
	}
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	model, _ := cmd.Flags().GetString("model")
	failed, _ := cmd.Flags().GetBool("failed")
	limit, _ := cmd.Flags().GetInt("limit")
	summary, _ := cmd.Flags().GetBool("report")

	dkg, _, _, err := openDKG(cmd)
	if err != nil {
		return err
	}
	defer dkg.Close()

	if summary {
		report, err := dkg.AuditReport()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	q := audit.Query{Model: model, Limit: limit}
	if failed {
		success := false
		q.Success = &success
	}
	res, err := dkg.AuditTrail(q)
	if err != nil {
		return err
	}
	printAudit(os.Stdout, res)
	return nil
}
