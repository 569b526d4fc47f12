package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"aide.dev/aide/features/model/anthropic"
	"aide.dev/aide/features/model/bedrock"
	"aide.dev/aide/features/model/middleware"
	recfile "aide.dev/aide/features/recorder/file"
	recmongo "aide.dev/aide/features/recorder/mongo"
	storemongo "aide.dev/aide/features/store/mongo"
	"aide.dev/aide/features/stream/pulse"
	"aide.dev/aide/kernel/assembly"
	"aide.dev/aide/kernel/blueprint"
	"aide.dev/aide/kernel/channel"
	"aide.dev/aide/kernel/model"
	"aide.dev/aide/kernel/orchestrator"
	"aide.dev/aide/kernel/recorder"
	"aide.dev/aide/kernel/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the editing service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	v := config()

	format := log.FormatJSON
	if v.GetBool("debug") {
		format = log.FormatTerminal
	}
	ctx := log.Context(parent, log.WithFormat(format))
	if v.GetBool("debug") {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTELMetrics()

	mongoClient, err := mongodriver.Connect(
		mongooptions.Client().ApplyURI(v.GetString("mongo_url")))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(dctx); err != nil {
			logger.Warn(ctx, "mongo disconnect failed", "err", err)
		}
	}()

	db := v.GetString("mongo_db")
	workspace, err := storemongo.New(storemongo.Options{
		Client:     mongoClient,
		Database:   db,
		Collection: "pages",
		Name:       "workspace-store",
	})
	if err != nil {
		return err
	}
	public, err := storemongo.New(storemongo.Options{
		Client:     mongoClient,
		Database:   db,
		Collection: "published",
		Name:       "public-store",
	})
	if err != nil {
		return err
	}

	assembler, err := assembly.New(assembly.Options{
		Workspace:     workspace,
		Public:        public,
		PublicBaseURL: strings.TrimRight(v.GetString("public_base_url"), "/"),
		Footer:        v.GetString("footer_html"),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	hub := channel.NewHub(channel.HubOptions{Logger: logger, Metrics: metrics})
	defer hub.Close()

	recStore, recCloser, err := buildRecorderStore(ctx, v, mongoClient, db)
	if err != nil {
		return err
	}
	if recCloser != nil {
		defer recCloser()
	}
	rec, err := recorder.New(ctx, recorder.Options{
		Store:         recStore,
		QueueSize:     v.GetInt("recorder_queue"),
		BatchSize:     v.GetInt("recorder_batch"),
		FlushInterval: durationOr(v, "recorder_interval", 60*time.Second),
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	tiers, err := buildTiers(v)
	if err != nil {
		return err
	}

	bp, templates, err := loadBlueprints(v)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Assembler:      assembler,
		Hub:            hub,
		Recorder:       rec,
		Tiers:          tiers,
		Blueprint:      bp,
		DefaultTimeout: durationOr(v, "tier_timeout", orchestrator.DefaultTierTimeout),
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}

	var bridge *frameBridge
	if addr := v.GetString("redis_url"); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: v.GetString("redis_password"),
		})
		defer rdb.Close()
		pc, err := pulse.New(pulse.Options{Redis: rdb})
		if err != nil {
			return err
		}
		fwd, err := pulse.NewForwarder(pc, logger)
		if err != nil {
			return err
		}
		bridge = newFrameBridge(ctx, orch, fwd, logger)
		defer bridge.Close()
	}

	srv := &http.Server{
		Addr: v.GetString("http_addr"),
		Handler: newHandler(&server{
			orch:      orch,
			assembler: assembler,
			bridge:    bridge,
			log:       logger,
			blueprint: bp,
			templates: templates,
		}, health.NewChecker(workspace, public)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http server listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	}

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn(ctx, "http shutdown incomplete", "err", err)
	}
	if err := orch.Drain(sctx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	logger.Info(ctx, "drained cleanly")
	return nil
}

// buildRecorderStore prefers Mongo; AIDE_RECORDER_PATH switches to the
// rotated JSONL store for database-free deployments.
func buildRecorderStore(ctx context.Context, v *viper.Viper, client *mongodriver.Client, db string) (recorder.Store, func(), error) {
	if path := v.GetString("recorder_path"); path != "" {
		s, err := recfile.New(recfile.Options{Path: path})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	s, err := recmongo.New(ctx, recmongo.Options{Client: client, Database: db})
	if err != nil {
		return nil, nil, err
	}
	return s, nil, nil
}

// buildTiers constructs the per-tier provider clients. All tiers share one
// adaptive rate limiter so a throttled analyst call also slows the
// architect.
func buildTiers(v *viper.Viper) (map[model.Tier]model.TierConfig, error) {
	limiter := middleware.NewAdaptiveRateLimiter(v.GetFloat64("rate_limit_tpm"), 0)
	wrap := limiter.Middleware()
	timeout := durationOr(v, "tier_timeout", 0)

	newClient := func(modelID string) (model.Client, error) {
		switch provider := v.GetString("provider"); provider {
		case "anthropic":
			c, err := anthropic.NewFromAPIKey(v.GetString("anthropic_api_key"), modelID)
			if err != nil {
				return nil, fmt.Errorf("anthropic tier %s: %w", modelID, err)
			}
			return wrap(c), nil
		case "bedrock":
			region := v.GetString("aws_region")
			if region == "" {
				return nil, errors.New("AIDE_AWS_REGION is required for provider bedrock")
			}
			rt := bedrockruntime.New(bedrockruntime.Options{Region: region})
			c, err := bedrock.New(rt, bedrock.Options{DefaultModel: modelID})
			if err != nil {
				return nil, fmt.Errorf("bedrock tier %s: %w", modelID, err)
			}
			return wrap(c), nil
		default:
			return nil, fmt.Errorf("unknown provider %q", provider)
		}
	}

	tiers := make(map[model.Tier]model.TierConfig)
	for tier, key := range map[model.Tier]string{
		model.TierL2: "model_l2",
		model.TierL3: "model_l3",
		model.TierL4: "model_l4",
	} {
		id := v.GetString(key)
		if id == "" {
			continue
		}
		client, err := newClient(id)
		if err != nil {
			return nil, err
		}
		tiers[tier] = model.TierConfig{
			Client:      client,
			Model:       id,
			ShadowModel: v.GetString("shadow_" + strings.ToLower(string(tier))),
			Timeout:     timeout,
		}
	}
	return tiers, nil
}

// loadBlueprints reads the template file when configured and picks the
// default page blueprint.
func loadBlueprints(v *viper.Viper) (*blueprint.Blueprint, map[string]*blueprint.Blueprint, error) {
	path := v.GetString("blueprint_path")
	if path == "" {
		return blueprint.Default(), nil, nil
	}
	templates, err := blueprint.LoadTemplates(path)
	if err != nil {
		return nil, nil, err
	}
	if bp, ok := templates["default"]; ok {
		return bp, templates, nil
	}
	return blueprint.Default(), templates, nil
}
