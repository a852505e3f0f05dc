// Command notifyd runs the multi-tenant notification orchestration daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/signalpost/notifyd/config"
	"github.com/signalpost/notifyd/daemon"
	"github.com/signalpost/notifyd/delivery"
	"github.com/signalpost/notifyd/poller"
	mongostore "github.com/signalpost/notifyd/store/mongo"
)

func main() {
	var debugFlag bool

	root := &cobra.Command{
		Use:           "notifyd",
		Short:         "Multi-tenant notification orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(debugFlag)
		},
	}
	root.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logs")
	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Boot the daemon (same as running with no subcommand)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(debugFlag)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "notifyd: %v\n", err)
		os.Exit(1)
	}
}

func run(debugFlag bool) error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if debugFlag || cfg.LogLevel == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	// Store gateway.
	clientOpts := mongooptions.Client().ApplyURI(cfg.StoreURL)
	if cfg.StoreServiceKey != "" {
		clientOpts = clientOpts.SetAuth(mongooptions.Credential{
			Username: "notifyd",
			Password: cfg.StoreServiceKey,
		})
	}
	mclient, err := mongodriver.Connect(clientOpts)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer func() {
		if err := mclient.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect store")
		}
	}()
	st, err := mongostore.New(ctx, mongostore.Options{Client: mclient, Database: cfg.StoreDatabase})
	if err != nil {
		return fmt.Errorf("initialize store gateway: %w", err)
	}
	if err := st.EnablePreImages(ctx); err != nil {
		// Deletes degrade to key-only events; everything else still works.
		log.Errorf(ctx, err, "change feed pre-images unavailable")
	}
	pingers := []health.Pinger{st}

	// Catch-up cursor.
	var cursor poller.CursorStore
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rc := poller.NewRedisCursor(redis.NewClient(ropts), "")
		cursor = rc
		pingers = append(pingers, rc)
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "no REDIS_URL, catch-up cursor kept in memory"})
	}

	// Delivery SDK.
	del, err := delivery.NewHTTP(delivery.HTTPOptions{
		BaseURL: cfg.DeliverySDKURL,
		Secret:  cfg.DeliverySDKSecret,
	})
	if err != nil {
		return err
	}
	pingers = append(pingers, del)

	// Workflow engine.
	tracing, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{})
	if err != nil {
		return fmt.Errorf("engine tracing interceptor: %w", err)
	}
	tc, err := temporalclient.Dial(temporalclient.Options{
		HostPort:     cfg.EngineAddress,
		Namespace:    cfg.EngineNamespace,
		Logger:       daemon.NewEngineLogger(ctx),
		Interceptors: []interceptor.ClientInterceptor{tracing},
	})
	if err != nil {
		return fmt.Errorf("connect engine at %s: %w", cfg.EngineAddress, err)
	}
	defer tc.Close()

	d, err := daemon.New(daemon.Options{
		Config:   cfg,
		Store:    st,
		Source:   st,
		Temporal: tc,
		Delivery: del,
		Cursor:   cursor,
		Pingers:  pingers,
	})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
