// Command docscout runs the documentation exploration agent service.
//
// The service answers natural language questions about a mounted document
// tree. Each POST /chat turn streams Server-Sent Events while an agent
// explores the tree with validated, sandboxed, read-only shell commands.
//
// # Configuration
//
// A YAML file selected with --config provides tuning knobs. DOCSCOUT_*
// environment variables override it:
//
//	DOCSCOUT_ADDR            - HTTP listen address (default ":8000")
//	DOCSCOUT_DOC_ROOT        - document tree to explore (default "/workspace/document")
//	DOCSCOUT_PROVIDER        - completion provider: anthropic, openai or bedrock
//	DOCSCOUT_MODEL           - model identifier
//	DOCSCOUT_MONGO_URI       - MongoDB connection string (empty: in-memory stores)
//	DOCSCOUT_MONGO_DATABASE  - MongoDB database name (default "docscout")
//	DOCSCOUT_REDIS_ADDR      - Redis address for event fan-out (empty: disabled)
//	DOCSCOUT_REDIS_PASSWORD  - Redis password (optional)
//
// Anthropic and OpenAI read their API keys from ANTHROPIC_API_KEY and
// OPENAI_API_KEY. Bedrock uses the ambient AWS credential chain.
//
// # Example
//
//	ANTHROPIC_API_KEY=... docscout --config /etc/docscout.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	auditmongo "goa.design/docscout/features/audit/mongo"
	auditclients "goa.design/docscout/features/audit/mongo/clients/mongo"
	"goa.design/docscout/features/model/anthropic"
	"goa.design/docscout/features/model/bedrock"
	"goa.design/docscout/features/model/middleware"
	"goa.design/docscout/features/model/openai"
	plannerchat "goa.design/docscout/features/planner/chat"
	sessionmongo "goa.design/docscout/features/session/mongo"
	sessionclients "goa.design/docscout/features/session/mongo/clients/mongo"
	streampulse "goa.design/docscout/features/stream/pulse"
	pulseclients "goa.design/docscout/features/stream/pulse/clients/pulse"
	"goa.design/docscout/runtime/agent/audit"
	auditinmem "goa.design/docscout/runtime/agent/audit/inmem"
	"goa.design/docscout/runtime/agent/model"
	"goa.design/docscout/runtime/agent/policy"
	"goa.design/docscout/runtime/agent/sandbox"
	"goa.design/docscout/runtime/agent/session"
	sessioninmem "goa.design/docscout/runtime/agent/session/inmem"
	"goa.design/docscout/runtime/agent/stream"
	"goa.design/docscout/runtime/agent/turn"
	"goa.design/docscout/runtime/chat"
)

func main() {
	// Define command line flags, add any other flag required to configure
	// the service.
	var (
		configF = flag.String("config", "", "Path to YAML configuration file (optional)")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides configuration)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *addrF != "" {
		cfg.Addr = *addrF
	}
	log.Print(ctx, log.KV{K: "addr", V: cfg.Addr},
		log.KV{K: "doc-root", V: cfg.DocRoot},
		log.KV{K: "provider", V: cfg.Model.Provider},
		log.KV{K: "model", V: cfg.Model.ID})

	// Session and audit stores. MongoDB when configured, in-memory otherwise.
	var (
		sessions session.Store
		records  audit.Store
		pingers  []health.Pinger
		mongoCli *mongodriver.Client
	)
	if cfg.Mongo.URI != "" {
		mongoCli, err = mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Fatalf(ctx, err, "connect to mongo")
		}
		if err = mongoCli.Ping(ctx, readpref.Primary()); err != nil {
			log.Fatalf(ctx, err, "ping mongo")
		}
		sessionClient, err := sessionclients.New(sessionclients.Options{
			Client:   mongoCli,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build session mongo client")
		}
		auditClient, err := auditclients.New(auditclients.Options{
			Client:   mongoCli,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build audit mongo client")
		}
		sessionStore, err := sessionmongo.NewStore(sessionClient)
		if err != nil {
			log.Fatalf(ctx, err, "build session store")
		}
		auditStore, err := auditmongo.NewStore(auditClient)
		if err != nil {
			log.Fatalf(ctx, err, "build audit store")
		}
		sessions, records = sessionStore, auditStore
		pingers = append(pingers, sessionClient, auditClient)
	} else {
		sessions = sessioninmem.New()
		records = auditinmem.New()
		log.Printf(ctx, "mongo not configured, using in-memory stores")
	}

	// Turn event fan-out and cluster-aware rate limiting share one Redis
	// client. Both are optional.
	var (
		rdb       *redis.Client
		fanout    *streampulse.FanOut
		broadcast stream.Sink
		limitMap  *rmap.Map
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf(ctx, err, "connect to redis")
		}
		pulseClient, err := pulseclients.New(pulseclients.Options{Redis: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "build pulse client")
		}
		fanout, err = streampulse.NewFanOut(streampulse.FanOutOptions{Client: pulseClient})
		if err != nil {
			log.Fatalf(ctx, err, "build event fan-out")
		}
		broadcast = fanout.Sink()
		limitMap, err = rmap.Join(ctx, "docscout-ratelimit", rdb)
		if err != nil {
			log.Fatalf(ctx, err, "join rate limit map")
		}
	}

	// Completion client for the configured provider, wrapped with the
	// adaptive rate limiter.
	var mdl model.Client
	switch cfg.Model.Provider {
	case ProviderAnthropic:
		mdl, err = anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), cfg.Model.ID)
	case ProviderOpenAI:
		mdl, err = openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), cfg.Model.ID)
	case ProviderBedrock:
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx)
		if awsErr != nil {
			log.Fatalf(ctx, awsErr, "load aws configuration")
		}
		mdl, err = bedrock.NewFromConfig(awsCfg, bedrock.Options{DefaultModel: cfg.Model.ID})
	}
	if err != nil {
		log.Fatalf(ctx, err, "build %s model client", cfg.Model.Provider)
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, limitMap, cfg.Model.Provider,
		cfg.Model.TokensPerMinute, cfg.Model.MaxTokensPerMinute)
	mdl = limiter.Middleware()(mdl)

	// Agent core: policy validation, sandboxed execution, audit trail,
	// session lifecycle, planning and turn orchestration.
	validator, err := policy.New(policy.Options{
		Root:             cfg.DocRoot,
		MaxCommandLength: cfg.Agent.MaxCommandLength,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build command validator")
	}
	executor, err := sandbox.New(sandbox.Options{
		Root:           cfg.DocRoot,
		Timeout:        cfg.Sandbox.Timeout,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build command executor")
	}
	auditLog, err := audit.New(audit.Options{Store: records})
	if err != nil {
		log.Fatalf(ctx, err, "build audit logger")
	}
	manager, err := session.NewManager(session.Options{
		Store:       sessions,
		IdleTimeout: cfg.Session.IdleTimeout,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build session manager")
	}
	agentPlanner, err := plannerchat.New(plannerchat.Options{
		Model:   mdl,
		ModelID: cfg.Model.ID,
		DocRoot: cfg.DocRoot,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build planner")
	}
	orchestrator, err := turn.New(turn.Options{
		Planner:       agentPlanner,
		Validator:     validator,
		Executor:      executor,
		Audit:         auditLog,
		Sessions:      manager,
		MaxIterations: cfg.Agent.MaxIterations,
		DisplayLimit:  cfg.Agent.DisplayLimit,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build orchestrator")
	}
	svc, err := chat.New(chat.Options{
		Orchestrator: orchestrator,
		Sessions:     manager,
		Pacing:       cfg.Agent.Pacing,
		Broadcast:    broadcast,
		Pingers:      pingers,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build chat service")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the service to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	// Start the server and send errors (if any) to the error channel.
	handleHTTPServer(ctx, cfg.Addr, svc, &wg, errc, *dbgF)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()

	// Release agent resources: stop the session sweeper, drain queued audit
	// records and close the backing connections.
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := manager.Close(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "close session manager")
	}
	if err := auditLog.Close(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "close audit logger")
	}
	if fanout != nil {
		if err := fanout.Close(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "close event fan-out")
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}
	if mongoCli != nil {
		if err := mongoCli.Disconnect(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}
	log.Printf(ctx, "exited")
}
