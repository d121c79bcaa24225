package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/example/runengine/internal/config"
	"github.com/example/runengine/internal/providers/bedrock"
	"github.com/example/runengine/internal/redisx"
)

func buildDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and collaborator connectivity",
		Long: `doctor loads the configuration file, validates it, and probes every
external dependency a serve process would need: the relational store, Redis,
and the configured LLM providers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), cmd)
		},
	}
}

func runDoctor(ctx context.Context, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "[FAIL] load config: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "[ OK ] config loaded from %s\n", configPath)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(out, "[FAIL] config validation: %v\n", err)
	} else {
		fmt.Fprintln(out, "[ OK ] config validation")
	}

	checkDatabase(ctx, out, cfg)
	checkRedis(ctx, out, cfg)
	checkProviders(ctx, out, cfg)

	return nil
}

func checkDatabase(ctx context.Context, out io.Writer, cfg config.Config) {
	db, err := sql.Open("postgres", cfg.Database.PrimaryDSN)
	if err != nil {
		fmt.Fprintf(out, "[FAIL] database: open: %v\n", err)
		return
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(out, "[FAIL] database: ping: %v\n", err)
		return
	}
	fmt.Fprintln(out, "[ OK ] database reachable")
}

func checkRedis(ctx context.Context, out io.Writer, cfg config.Config) {
	client := redisx.New(redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(out, "[FAIL] redis: ping: %v\n", err)
		return
	}
	fmt.Fprintln(out, "[ OK ] redis reachable")
}

func checkProviders(ctx context.Context, out io.Writer, cfg config.Config) {
	if len(cfg.LLM.Providers) == 0 {
		fmt.Fprintln(out, "[FAIL] llm: no providers configured")
		return
	}
	if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
		fmt.Fprintf(out, "[FAIL] llm: default provider %q has no configuration entry\n", cfg.LLM.DefaultProvider)
	}
	for name, pc := range cfg.LLM.Providers {
		if name == "bedrock" {
			checkBedrock(ctx, out, cfg)
			continue
		}
		if pc.APIKey == "" {
			fmt.Fprintf(out, "[FAIL] llm: provider %q missing api_key\n", name)
			continue
		}
		fmt.Fprintf(out, "[ OK ] llm provider %s configured\n", name)
	}
}

// checkBedrock confirms bedrock isn't just "enabled with a region" but that
// the configured credentials can actually list foundation models, since a
// bad region/credential pair otherwise only surfaces on the first run.
func checkBedrock(ctx context.Context, out io.Writer, cfg config.Config) {
	if !cfg.LLM.Bedrock.Enabled {
		fmt.Fprintln(out, "[ OK ] llm provider bedrock configured (discovery skipped, not enabled)")
		return
	}
	if cfg.LLM.Bedrock.Region == "" {
		fmt.Fprintln(out, "[FAIL] llm: bedrock enabled without a region")
		return
	}
	models, err := bedrock.DiscoverModels(ctx, &bedrock.DiscoveryConfig{Region: cfg.LLM.Bedrock.Region})
	if err != nil {
		fmt.Fprintf(out, "[FAIL] llm: bedrock model discovery: %v\n", err)
		return
	}
	fmt.Fprintf(out, "[ OK ] llm provider bedrock configured (%d foundation models discovered)\n", len(models))
}
