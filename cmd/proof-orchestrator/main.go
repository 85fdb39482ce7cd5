package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spec-to-proof/spec-to-proof/internal/artifactstore"
	artifactpg "github.com/spec-to-proof/spec-to-proof/internal/artifactstore/postgres"
	"github.com/spec-to-proof/spec-to-proof/internal/blobstore"
	"github.com/spec-to-proof/spec-to-proof/internal/guard"
	"github.com/spec-to-proof/spec-to-proof/internal/httpapi"
	"github.com/spec-to-proof/spec-to-proof/internal/leases"
	leasepg "github.com/spec-to-proof/spec-to-proof/internal/leases/postgres"
	"github.com/spec-to-proof/spec-to-proof/internal/metrics"
	"github.com/spec-to-proof/spec-to-proof/internal/orchestrator"
	"github.com/spec-to-proof/spec-to-proof/internal/pipeline"
	"github.com/spec-to-proof/spec-to-proof/internal/proofworker"
	"github.com/spec-to-proof/spec-to-proof/internal/queue"
	"github.com/spec-to-proof/spec-to-proof/internal/reasoning"
	"github.com/spec-to-proof/spec-to-proof/internal/sandbox"
	"github.com/spec-to-proof/spec-to-proof/internal/secrets"
)

func main() {
	sandbox.InitMain()

	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")
		logFormat  = flag.String("log-format", "text", "log format: text|json")
		logLevel   = flag.String("log-level", "info", "log level: debug|info|warn|error")
		owner      = flag.String("owner", "", "unique instance id used for stub leases (defaults to hostname)")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
		maxBodyBytes      = flag.Int64("max-body-bytes", 1<<20, "max HTTP request body bytes")
		maxProveSeconds   = flag.Int("max-prove-seconds", 600, "server-side bound on one proof request")
		maxProveStubs     = flag.Int("max-prove-stubs", 64, "max stubs in one proof request")
		authTokenEnv      = flag.String("auth-token-env", "PROOF_API_TOKEN", "env var holding the bearer token (empty token disables auth)")

		secretsDriver = flag.String("secrets-driver", secrets.DriverEnv, "secrets driver: aws|env|file")
		secretsDir    = flag.String("secrets-dir", "", "directory read by --secrets-driver=file")
		sealKeyRef    = flag.String("seal-key-ref", "PROOF_SEAL_KEY", "secret reference for the 32-byte artifact sealing key")
		sealKeyID     = flag.String("seal-key-id", "seal-v1", "identifier recorded with sealed envelopes")

		blobDriver = flag.String("blob-driver", blobstore.DriverS3, "blob store driver: s3|memory")
		blobBucket = flag.String("blob-bucket", "", "S3 bucket (required for s3)")
		blobPrefix = flag.String("blob-prefix", "", "key prefix inside the bucket")
		blobKMSKey = flag.String("blob-kms-key-id", "", "KMS key id for SSE-KMS")
		maxGetSize = flag.Int64("blob-max-get-bytes", 16<<20, "max bytes read per blob")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN for lineage and stub leases (optional)")

		providerName   = flag.String("provider", "openai", "reasoning provider: openai|anthropic|fixed")
		providerKeyRef = flag.String("provider-key-ref", "PROOF_PROVIDER_API_KEY", "secret reference for the provider API key")
		providerModel  = flag.String("provider-model", "", "provider model name")
		providerURL    = flag.String("provider-base-url", "", "provider base URL override")
		fixedProof     = flag.String("fixed-proof", "simp", "proof returned by --provider=fixed")
		ratePerSecond  = flag.Float64("provider-rate", 2, "provider requests per second (<= 0 disables)")
		rateBurst      = flag.Int("provider-burst", 4, "provider request burst")

		maxAttempts     = flag.Int("max-attempts", orchestrator.DefaultMaxAttempts, "attempts per stub")
		baseBackoff     = flag.Duration("base-backoff", orchestrator.DefaultBaseBackoff, "back-off before the second attempt; doubles afterwards")
		attemptTimeout  = flag.Duration("attempt-timeout", orchestrator.DefaultAttemptTimeout, "checker timeout per attempt")
		callTimeout     = flag.Duration("call-timeout", orchestrator.DefaultCallTimeout, "reasoning call timeout")
		maxTokens       = flag.Int("max-tokens", 4096, "max output tokens per reasoning call")
		costPer1k       = flag.Float64("cost-per-1k-tokens", 0.015, "cost estimate per 1000 tokens")
		tokenBudget     = flag.Int64("token-budget", 0, "process-wide token budget (0 = unlimited)")
		concurrency     = flag.Int("concurrency", 4, "concurrent orchestrations per batch")
		sandboxMode     = flag.String("sandbox-mode", string(sandbox.ModeContainer), "sandbox mode: container|namespace")
		sandboxRuntime  = flag.String("sandbox-runtime", "docker", "container runtime: docker|podman")
		sandboxPolicy   = flag.String("sandbox-policy", "", "YAML isolation policy (defaults apply when empty)")
		sandboxScratch  = flag.String("sandbox-scratch", "", "parent directory for scratch areas")
		guardMaxInput   = flag.Int("guard-max-input-bytes", guard.DefaultMaxInputBytes, "max bytes scanned on input")
		guardMaxOutput  = flag.Int("guard-max-output-bytes", guard.DefaultMaxOutputBytes, "max bytes scanned on output")
		leaseTTL        = flag.Duration("lease-ttl", 2*time.Minute, "stub lease ttl")
		maxAcquisitions = flag.Int("max-lease-acquisitions", 3, "dead-letter a stub after this many unreleased lease takeovers")
		queueDriver     = flag.String("queue-driver", "", "queue driver: kafka|stdio (empty disables the worker)")
		queueBrokers    = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup      = flag.String("queue-group", "proof-orchestrator", "queue consumer group")
		inputTopic      = flag.String("input-topic", "proof.stubs.v1", "stub input topic")
		resultTopic     = flag.String("result-topic", "proof.artifacts.v1", "artifact output topic")
		deadLetterTopic = flag.String("dead-letter-topic", "proof.deadletter.v1", "dead letter topic")
		maxInflight     = flag.Int("max-inflight", 16, "maximum concurrent queued stubs")
		ackTimeout      = flag.Duration("queue-ack-timeout", 5*time.Second, "queue message ack timeout")
		queueMaxBytes   = flag.Int("queue-max-bytes", 10<<20, "max kafka message size to consume")
		maxLineBytes    = flag.Int("max-line-bytes", 1<<20, "max stdin line bytes for stdio driver")
	)
	flag.Parse()

	log, err := newLogger(*logFormat, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *maxAttempts <= 0 || *concurrency <= 0 || *maxInflight <= 0 || *maxTokens <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-attempts, --concurrency, --max-inflight, and --max-tokens must be > 0")
		os.Exit(2)
	}
	if *baseBackoff <= 0 || *attemptTimeout <= 0 || *callTimeout <= 0 || *leaseTTL <= 0 || *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeout/interval values must be > 0")
		os.Exit(2)
	}
	if *owner == "" {
		host, err := os.Hostname()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: --owner is required when the hostname is unavailable")
			os.Exit(2)
		}
		*owner = host
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretProvider, err := secrets.New(ctx, *secretsDriver, *secretsDir)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	sealKey, err := secrets.Key(ctx, secretProvider, *sealKeyRef, 32)
	if err != nil {
		log.Error("load sealing key", "err", err, "ref", *sealKeyRef)
		os.Exit(2)
	}
	sealer, err := artifactstore.NewSealer(*sealKeyID, sealKey)
	if err != nil {
		log.Error("init sealer", "err", err)
		os.Exit(2)
	}

	blobs, err := newBlobStore(ctx, *blobDriver, *blobBucket, *blobPrefix, *blobKMSKey, *maxGetSize)
	if err != nil {
		log.Error("init blob store", "err", err)
		os.Exit(2)
	}
	if err := blobs.EnsureVersioning(ctx); err != nil {
		log.Warn("enable bucket versioning", "err", err)
	}

	var (
		lineage    artifactstore.Lineage
		leaseStore leases.Store
	)
	if *postgresDSN != "" {
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgLineage, err := artifactpg.New(pool)
		if err != nil {
			log.Error("init lineage postgres store", "err", err)
			os.Exit(2)
		}
		if err := pgLineage.EnsureSchema(ctx); err != nil {
			log.Error("ensure lineage postgres schema", "err", err)
			os.Exit(2)
		}
		lineage = pgLineage

		pgLeases, err := leasepg.New(pool)
		if err != nil {
			log.Error("init lease postgres store", "err", err)
			os.Exit(2)
		}
		if err := pgLeases.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease postgres schema", "err", err)
			os.Exit(2)
		}
		leaseStore = pgLeases
	}

	store, err := artifactstore.New(artifactstore.Config{
		Blobs:   blobs,
		Sealer:  sealer,
		Lineage: lineage,
		Logger:  log,
	})
	if err != nil {
		log.Error("init artifact store", "err", err)
		os.Exit(2)
	}

	provider, err := newProvider(ctx, *providerName, secretProvider, *providerKeyRef, *providerModel, *providerURL, *fixedProof, *maxTokens, log)
	if err != nil {
		log.Error("init reasoning provider", "err", err, "provider", *providerName)
		os.Exit(2)
	}
	provider = reasoning.NewRateLimited(provider, *ratePerSecond, *rateBurst)

	policy := sandbox.DefaultPolicy()
	if *sandboxPolicy != "" {
		policy, err = sandbox.LoadPolicy(*sandboxPolicy)
		if err != nil {
			log.Error("load sandbox policy", "err", err, "path", *sandboxPolicy)
			os.Exit(2)
		}
	}
	verifier, err := sandbox.New(sandbox.Config{
		Mode:        sandbox.Mode(strings.ToLower(strings.TrimSpace(*sandboxMode))),
		Policy:      policy,
		Runtime:     *sandboxRuntime,
		ScratchRoot: *sandboxScratch,
	}, log)
	if err != nil {
		log.Error("init sandbox", "err", err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	counters := metrics.NewCounters(*tokenBudget)
	recorder := metrics.Multi{counters, metrics.NewPrometheus(reg)}

	orch, err := orchestrator.New(orchestrator.Config{
		MaxAttempts:     *maxAttempts,
		BaseBackoff:     *baseBackoff,
		AttemptTimeout:  *attemptTimeout,
		CallTimeout:     *callTimeout,
		MaxTokens:       *maxTokens,
		CostPer1kTokens: *costPer1k,
	}, orchestrator.Deps{
		Provider: provider,
		Verifier: verifier,
		Guard:    guard.New(guard.Config{MaxInputBytes: *guardMaxInput, MaxOutputBytes: *guardMaxOutput}),
		Recorder: recorder,
		Budget:   counters,
		Logger:   log,
	})
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	svc, err := pipeline.New(pipeline.Config{Concurrency: *concurrency}, pipeline.Deps{
		Orchestrator: orch,
		Store:        store,
		Provider:     provider,
		Verifier:     verifier,
		Logger:       log,
	})
	if err != nil {
		log.Error("init pipeline", "err", err)
		os.Exit(2)
	}

	workerErr := make(chan error, 1)
	if strings.TrimSpace(*queueDriver) != "" {
		worker, closeQueue, err := newWorker(ctx, workerOptions{
			driver:          *queueDriver,
			brokers:         queue.SplitCommaList(*queueBrokers),
			group:           *queueGroup,
			maxBytes:        *queueMaxBytes,
			maxLineBytes:    *maxLineBytes,
			inputTopic:      *inputTopic,
			resultTopic:     *resultTopic,
			deadLetterTopic: *deadLetterTopic,
			maxInflight:     *maxInflight,
			ackTimeout:      *ackTimeout,
			owner:           *owner,
			leaseTTL:        *leaseTTL,
			maxAcquisitions: *maxAcquisitions,
		}, svc, leaseStore, log)
		if err != nil {
			log.Error("init proof worker", "err", err)
			os.Exit(2)
		}
		defer closeQueue()
		go func() { workerErr <- worker.Run(ctx) }()
	}

	srv := &http.Server{
		Addr: *listenAddr,
		Handler: httpapi.NewHandler(svc, httpapi.Config{
			AuthToken:       os.Getenv(*authTokenEnv),
			MaxBodyBytes:    *maxBodyBytes,
			MaxProveSeconds: *maxProveSeconds,
			MaxProveStubs:   *maxProveStubs,
			Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Logger:          log,
		}),
		ReadHeaderTimeout: *readHeaderTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("proof-orchestrator listening",
			"addr", *listenAddr,
			"owner", *owner,
			"provider", provider.Name(),
			"sandbox_mode", *sandboxMode,
			"blob_driver", *blobDriver,
			"queue_driver", *queueDriver,
			"max_attempts", *maxAttempts,
		)
		errCh <- srv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			exitCode = 1
		}
	case err := <-workerErr:
		if err != nil {
			log.Error("proof worker exited with error", "err", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	snap := counters.Snapshot()
	log.Info("proof-orchestrator stopped",
		"artifacts", snap.Artifacts,
		"successes", snap.Successes,
		"tokens", snap.InputTokens+snap.OutputTokens,
		"estimated_cost", metrics.EstimateCost(snap.InputTokens+snap.OutputTokens, *costPer1k),
	)
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported --log-format %q", format)
	}
}

func newBlobStore(ctx context.Context, driver, bucket, prefix, kmsKeyID string, maxGetSize int64) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver:     strings.ToLower(strings.TrimSpace(driver)),
		Bucket:     strings.TrimSpace(bucket),
		Prefix:     strings.TrimSpace(prefix),
		KMSKeyID:   strings.TrimSpace(kmsKeyID),
		MaxGetSize: maxGetSize,
	}
	if cfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}

func newProvider(ctx context.Context, name string, sp secrets.Provider, keyRef, model, baseURL, fixedProof string, maxTokens int, log *slog.Logger) (reasoning.Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "fixed" {
		return reasoning.Fixed{ProofCode: fixedProof}, nil
	}
	apiKey, err := sp.Get(ctx, keyRef)
	if err != nil {
		return nil, fmt.Errorf("load api key %q: %w", keyRef, err)
	}
	var p reasoning.Provider
	switch name {
	case "openai":
		p, err = reasoning.NewOpenAIProvider(reasoning.OpenAIConfig{
			APIKey:    apiKey,
			Model:     model,
			BaseURL:   baseURL,
			MaxTokens: maxTokens,
		}, log)
	case "anthropic":
		p, err = reasoning.NewAnthropicProvider(reasoning.AnthropicConfig{
			APIKey:    apiKey,
			Model:     model,
			BaseURL:   baseURL,
			MaxTokens: maxTokens,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

type workerOptions struct {
	driver       string
	brokers      []string
	group        string
	maxBytes     int
	maxLineBytes int

	inputTopic      string
	resultTopic     string
	deadLetterTopic string
	maxInflight     int
	ackTimeout      time.Duration
	owner           string
	leaseTTL        time.Duration
	maxAcquisitions int
}

func newWorker(ctx context.Context, o workerOptions, prover proofworker.Prover, leaseStore leases.Store, log *slog.Logger) (*proofworker.Worker, func(), error) {
	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        o.driver,
		Brokers:       o.brokers,
		Group:         o.group,
		Topics:        []string{o.inputTopic},
		KafkaMaxBytes: o.maxBytes,
		MaxLineBytes:  o.maxLineBytes,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init queue consumer: %w", err)
	}
	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  o.driver,
		Brokers: o.brokers,
	})
	if err != nil {
		_ = consumer.Close()
		return nil, nil, fmt.Errorf("init queue producer: %w", err)
	}
	closeAll := func() {
		_ = consumer.Close()
		_ = producer.Close()
	}
	if leaseStore == nil {
		leaseStore = leases.NewMemoryStore(time.Now)
	}
	w, err := proofworker.New(proofworker.Config{
		InputTopic:      o.inputTopic,
		ResultTopic:     o.resultTopic,
		DeadLetterTopic: o.deadLetterTopic,
		MaxInflight:     o.maxInflight,
		AckTimeout:      o.ackTimeout,
		Owner:           o.owner,
		LeaseTTL:        o.leaseTTL,
		MaxAcquisitions: o.maxAcquisitions,
	}, prover, consumer, producer, leaseStore, log)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return w, closeAll, nil
}
