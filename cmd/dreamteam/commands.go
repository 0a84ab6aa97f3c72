package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/definition"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/diagram"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/graph"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/streaming"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Parse workflow files and report errors and dependency warnings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		opts := parserOptions(cfg, logger)

		failed := 0
		for _, path := range args {
			def, err := definition.ParseFile(path, opts...)
			if err == nil {
				var g *graph.StepGraph
				if g, err = graph.Build(def); err == nil {
					fmt.Fprintf(out, "ok    %s (%s, %d steps)\n", path, def.ID, len(def.Steps))
					printIssues(out, append(def.Warnings, g.Warnings()...))
					continue
				}
			}
			failed++
			fmt.Fprintf(out, "FAIL  %s: %v\n", path, err)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
		}
		return nil
	},
}

func printIssues(w io.Writer, issues []schema.ValidationIssue) {
	for _, is := range issues {
		fmt.Fprintf(w, "      %s %s at %s: %s\n", is.Severity, is.Code, is.Path, is.Message)
	}
}

var graphFlags struct {
	instance  string
	artifacts bool
}

var graphCmd = &cobra.Command{
	Use:   "graph [file|definition-id]",
	Short: "Print a Mermaid flowchart of a workflow, optionally with an instance's progress",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && graphFlags.instance == "" {
			return errors.New("a file, definition id or --instance is required")
		}
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var def *schema.WorkflowDefinition
		var inst *schema.WorkflowInstance
		if graphFlags.instance != "" {
			a, err := newApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			if inst, err = a.engine.Status(ctx, graphFlags.instance); err != nil {
				return err
			}
			if len(args) == 0 {
				if def, err = a.registry.Lookup(ctx, inst.DefinitionID); err != nil {
					return err
				}
			}
		}
		if def == nil {
			if def, err = loadDefinition(ctx, cfg, logger, args[0]); err != nil {
				return err
			}
		}

		g, err := graph.Build(def)
		if err != nil {
			return err
		}
		model := diagram.Build(g, inst, diagram.Options{Artifacts: graphFlags.artifacts})
		_, err = io.WriteString(cmd.OutOrStdout(), diagram.RenderMermaid(model))
		return err
	},
}

// loadDefinition parses ref as a file when one exists, else looks it up by
// id in definitions_dir.
func loadDefinition(ctx context.Context, cfg Config, logger *slog.Logger, ref string) (*schema.WorkflowDefinition, error) {
	if isFile(ref) {
		return definition.ParseFile(ref, parserOptions(cfg, logger)...)
	}
	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	return reg.Lookup(ctx, ref)
}

var runFlags struct {
	inputs    []string
	decisions []string
	dryRun    bool
	timeout   time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run <file|definition-id>",
	Short: "Start a workflow and follow it to a terminal or paused state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		inputs, err := parseAssignments(runFlags.inputs, true)
		if err != nil {
			return fmt.Errorf("--input: %w", err)
		}
		decisions, err := parseAssignments(runFlags.decisions, false)
		if err != nil {
			return fmt.Errorf("--decide: %w", err)
		}
		labels := make(map[string]string, len(decisions))
		for k, v := range decisions {
			labels[k] = v.(string)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger, appOptions{DryRun: runFlags.dryRun, Decisions: labels})
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		id := args[0]
		if isFile(id) {
			def, err := definition.ParseFile(id, parserOptions(cfg, logger)...)
			if err != nil {
				return err
			}
			a.registry.Add(def)
			id = def.ID
		}

		out := cmd.OutOrStdout()
		events, cancelSub, err := a.hub.Subscribe(ctx, streaming.EventFilter{})
		if err != nil {
			return err
		}
		printed := make(chan struct{})
		go func() {
			defer close(printed)
			for ev := range events {
				printEvent(out, ev)
			}
		}()

		instanceID, err := a.engine.StartWorkflow(ctx, id, inputs)
		if err != nil {
			cancelSub()
			<-printed
			return err
		}
		fmt.Fprintf(out, "instance %s\n", instanceID)

		waitCtx := ctx
		if runFlags.timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, runFlags.timeout)
			defer cancel()
		}
		inst, waitErr := a.engine.Wait(waitCtx, instanceID)
		if waitErr != nil {
			// Interrupted or timed out: park the instance so it can be resumed.
			if err := a.engine.Pause(context.Background(), instanceID); err != nil {
				logger.Warn("pause after interrupt failed", "instance_id", instanceID, "error", err)
			}
			inst, _ = a.engine.Wait(context.Background(), instanceID)
		}
		cancelSub()
		<-printed

		if inst == nil {
			return waitErr
		}
		printSummary(out, inst)
		if inst.Status == schema.StatusFailed {
			return fmt.Errorf("workflow %s failed", instanceID)
		}
		return nil
	},
}

func printEvent(w io.Writer, ev streaming.StreamEvent) {
	line := fmt.Sprintf("%s  %-18s", ev.Timestamp.Format("15:04:05"), ev.Kind)
	if ev.StepName != "" {
		line += fmt.Sprintf(" [%d %s]", ev.StepIndex, ev.StepName)
	}
	if ev.AgentID != "" {
		line += " agent=" + ev.AgentID
	}
	if ev.Message != "" {
		line += " " + ev.Message
	}
	fmt.Fprintln(w, line)
}

func printSummary(w io.Writer, inst *schema.WorkflowInstance) {
	fmt.Fprintf(w, "\nstatus: %s (%d history entries)\n", inst.Status, len(inst.History))
	names := make([]string, 0, len(inst.Context.Artifacts))
	for name := range inst.Context.Artifacts {
		names = append(names, name)
	}
	slices.Sort(names)
	if len(names) > 0 {
		fmt.Fprintf(w, "artifacts: %s\n", strings.Join(names, ", "))
	}
	for _, is := range inst.Issues {
		fmt.Fprintf(w, "%s %s at step %d: %s\n", is.Severity, is.Kind, is.StepIndex, is.Message)
	}
	if inst.Status == schema.StatusPaused {
		fmt.Fprintf(w, "paused before step %d; resume with the workflow.resume tool\n", inst.CurrentStepIndex)
	}
}

// parseAssignments turns key=value pairs into a map. Typed values are
// decoded as YAML scalars so --input count=3 yields an int.
func parseAssignments(pairs []string, typed bool) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q is not key=value", pair)
		}
		if !typed {
			out[key] = raw
			continue
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

var serveFlags struct {
	listen string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP control tools over stdio, or SSE with --listen",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		if serveFlags.listen != "" {
			cfg.ListenAddr = serveFlags.listen
			if cfg.BaseURL == "" {
				cfg.BaseURL = "http://localhost" + cfg.ListenAddr
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.Close(shutdownCtx); err != nil {
				logger.Error("shutdown", "error", err)
			}
		}()

		if n, err := a.engine.RecoverOrphans(ctx); err != nil {
			logger.Warn("orphan recovery failed", "error", err)
		} else if n > 0 {
			logger.Info("recovered orphaned instances", "count", n)
		}

		sched, err := a.scheduler()
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()

		if ms := a.metricsServer(); ms != nil {
			go func() {
				logger.Info("metrics listening", "addr", ms.Addr)
				if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", "error", err)
				}
			}()
			defer shutdownHTTP(ms)
		}

		srv := a.mcpServer()
		if cfg.ListenAddr == "" {
			logger.Info("serving MCP over stdio")
			return srv.Serve(ctx)
		}

		hs := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           srv.SSEHandler(ctx, cfg.BaseURL),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info("serving MCP over SSE", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
			errCh <- hs.ListenAndServe()
		}()
		select {
		case <-ctx.Done():
			shutdownHTTP(hs)
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	},
}

func shutdownHTTP(s *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func init() {
	graphCmd.Flags().StringVar(&graphFlags.instance, "instance", "", "overlay this instance's progress")
	graphCmd.Flags().BoolVar(&graphFlags.artifacts, "artifacts", false, "draw artifact data-flow edges")

	runCmd.Flags().StringArrayVarP(&runFlags.inputs, "input", "i", nil, "workflow input as key=value (repeatable)")
	runCmd.Flags().StringArrayVar(&runFlags.decisions, "decide", nil, "routing decision as step=label for --dry-run (repeatable)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "answer every step with the static agent")
	runCmd.Flags().DurationVar(&runFlags.timeout, "timeout", 0, "pause the instance if it has not settled after this long")

	serveCmd.Flags().StringVar(&serveFlags.listen, "listen", "", "serve SSE on this address instead of stdio")
}
