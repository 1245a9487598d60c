package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/flow"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process newline-delimited JSON evidence from stdin",
		Long: `Run reads one JSON evidence object per line from stdin and writes one JSON
result per line to stdout. With --watch the pipeline is rebuilt whenever the
configuration file changes and the next line uses the new pipeline.

Example:
  printf '{"header.x-country":"gb"}\n' | flowctl run -c flow.yaml`,
		RunE: runStream,
	}
	cmd.Flags().Bool("watch", false, "Rebuild the pipeline when the configuration file changes")
	return cmd
}

// livePipeline swaps pipelines while lines are processed.
type livePipeline struct {
	mu      sync.RWMutex
	current *flow.Pipeline
}

func (l *livePipeline) get() *flow.Pipeline {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *livePipeline) swap(p *flow.Pipeline) *flow.Pipeline {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.current
	l.current = p
	return prev
}

func runStream(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(contextOf(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return fmt.Errorf("failed to get watch flag: %w", err)
	}
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	if configPath == "" {
		return fmt.Errorf("no configuration specified. Use: flowctl run --config <file>")
	}

	var provider *config.FileProvider
	var cfg *config.Config
	if watch {
		provider, err = config.NewFileProvider(configPath, nil)
		if err != nil {
			return err
		}
		defer func() { _ = provider.Close() }()
		cfg = provider.Current()
	} else if cfg, err = config.Load(configPath); err != nil {
		return err
	}

	s, err := newSession(ctx, cmd, cfg)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	p, err := s.build(ctx)
	if err != nil {
		return err
	}
	live := &livePipeline{current: p}
	defer func() { _ = live.get().Close() }()

	if provider != nil {
		go rebuildOnChange(ctx, s, provider.Subscribe(), live)
	}

	return processLines(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), live.get, s)
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func rebuildOnChange(ctx context.Context, s *session, updates <-chan *config.Config, live *livePipeline) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			next := &session{cfg: cfg, logger: s.logger, registry: s.registry, shutdown: s.shutdown}
			p, err := next.build(ctx)
			if err != nil {
				s.logger.Error("pipeline rebuild failed", "error", err)
				continue
			}
			if prev := live.swap(p); prev != nil {
				_ = prev.Close()
			}
			s.logger.Info("pipeline rebuilt", "pipeline_id", p.ID())
		}
	}
}

func processLines(ctx context.Context, in io.Reader, out io.Writer, current func() *flow.Pipeline, s *session) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(out)

	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev map[string]any
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.logger.Warn("skipping invalid evidence line", "line", line, "error", err)
			continue
		}
		res, err := processOnce(ctx, current(), ev)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return scanner.Err()
}
