// Package main is the entry point for the flowctl binary.
// It builds a pipeline from a configuration file and runs evidence through it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-flow/pkg/builtin"
	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/flow"
	"github.com/polisai/polis-flow/pkg/logging"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for flowctl.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "flowctl",
		Short:         "Run evidence through a configured flow pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newProcessCmd(), newRunCmd(), newKindsCmd())
	return rootCmd
}

func newProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one set of evidence and print the results as JSON",
		Long: `Process builds the configured pipeline, adds the given evidence and prints
the data of every element together with any per-element errors.

Example:
  flowctl process -c flow.yaml -e header.user-agent=curl/8.0 -e query.id=7`,
		RunE: runProcess,
	}
	cmd.Flags().StringArrayP("evidence", "e", nil, "Evidence as key=value, repeatable")
	cmd.Flags().String("evidence-file", "", "JSON object file holding evidence")
	return cmd
}

func newKindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the element kinds available to configurations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := flow.NewElementRegistry()
			builtin.Register(reg)
			for _, kind := range reg.Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			}
			return nil
		},
	}
}

// session is the configured runtime shared by the subcommands.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *flow.ElementRegistry
	shutdown func(context.Context) error
}

func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if configPath == "" {
		return nil, fmt.Errorf("no configuration specified. Use: flowctl %s --config <file>", cmd.Name())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newSession(ctx, cmd, cfg)
}

func newSession(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (*session, error) {
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level == "" {
		level = cfg.Logging.Level
	}
	logger := logging.Setup(logging.Config{Level: level, Format: cfg.Logging.Format, Output: cmd.ErrOrStderr()})

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Environment:  cfg.Telemetry.Environment,
		Insecure:     cfg.Telemetry.Insecure,
		Headers:      cfg.Telemetry.Headers,
		ResourceTags: cfg.Telemetry.ResourceTags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	reg := flow.NewElementRegistry()
	builtin.Register(reg)
	return &session{cfg: cfg, logger: logger, registry: reg, shutdown: shutdown}, nil
}

func (s *session) build(ctx context.Context) (*flow.Pipeline, error) {
	p, err := config.BuildPipeline(ctx, s.cfg, s.registry, s.logger)
	if err != nil {
		return nil, err
	}
	if err := p.WaitReady(ctx); err != nil {
		s.logger.Warn("pipeline not fully ready", "pipeline_id", p.ID(), "error", err)
	}
	return p, nil
}

func (s *session) close(ctx context.Context) {
	if err := s.shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown failed", "error", err)
	}
}

func runProcess(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ev, err := evidenceFromFlags(cmd)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	p, err := s.build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	res, err := processOnce(ctx, p, ev)
	if err != nil {
		return err
	}
	return writeResult(cmd.OutOrStdout(), res)
}

func evidenceFromFlags(cmd *cobra.Command) (map[string]any, error) {
	ev := make(map[string]any)

	file, err := cmd.Flags().GetString("evidence-file")
	if err != nil {
		return nil, fmt.Errorf("failed to get evidence-file flag: %w", err)
	}
	if file != "" {
		//nolint:gosec // Evidence file path is supplied by the operator
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read evidence file: %w", err)
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse evidence file: %w", err)
		}
	}

	pairs, err := cmd.Flags().GetStringArray("evidence")
	if err != nil {
		return nil, fmt.Errorf("failed to get evidence flag: %w", err)
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid evidence %q, want key=value", pair)
		}
		ev[key] = value
	}
	return ev, nil
}

// result is the JSON shape printed for one processed flow data.
type result struct {
	FlowID string                    `json:"flow_id"`
	Data   map[string]map[string]any `json:"data"`
	Errors map[string]string         `json:"errors,omitempty"`
}

type contentsProvider interface {
	Contents() map[string]any
}

func processOnce(ctx context.Context, p *flow.Pipeline, ev map[string]any) (*result, error) {
	fd := p.CreateFlowData()
	fd.Evidence().AddObject(ev)
	if err := fd.Process(ctx); err != nil {
		return nil, err
	}

	res := &result{FlowID: fd.ID(), Data: make(map[string]map[string]any)}
	for _, key := range fd.DataKeys() {
		data, err := fd.Get(key)
		if err != nil {
			continue
		}
		res.Data[key] = elementContents(data)
	}
	for key, err := range fd.Errors() {
		if res.Errors == nil {
			res.Errors = make(map[string]string)
		}
		res.Errors[key] = err.Error()
	}
	return res, nil
}

// elementContents prefers the full dictionary and falls back to the
// declared properties.
func elementContents(data flow.ElementData) map[string]any {
	if c, ok := data.(contentsProvider); ok {
		return c.Contents()
	}
	out := make(map[string]any)
	names := make([]string, 0)
	for name := range data.Element().Properties() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if value, err := data.Get(name); err == nil && value != nil {
			out[name] = value
		}
	}
	return out
}

func writeResult(w io.Writer, res *result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
