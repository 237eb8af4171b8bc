package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whalevault/relay/internal/alert"
	"github.com/whalevault/relay/internal/blobstore"
	"github.com/whalevault/relay/internal/chainkey"
	"github.com/whalevault/relay/internal/chainrpc"
	"github.com/whalevault/relay/internal/history"
	historypg "github.com/whalevault/relay/internal/history/postgres"
	"github.com/whalevault/relay/internal/orchestrator"
	"github.com/whalevault/relay/internal/proofgen"
	"github.com/whalevault/relay/internal/proofjob"
	"github.com/whalevault/relay/internal/proofworker"
	"github.com/whalevault/relay/internal/queue"
	"github.com/whalevault/relay/internal/relay"
	"github.com/whalevault/relay/internal/secrets"
	"github.com/whalevault/relay/internal/swap"
	"github.com/whalevault/relay/internal/swapworker"
	"github.com/whalevault/relay/internal/token"
)

func main() {
	var (
		rpcURL        = flag.String("rpc-url", "", "chain RPC endpoint (required)")
		keypairPath   = flag.String("custodial-keypair", "", "custodial keypair JSON file (required for --secrets-driver=file)")
		keySecretRef  = flag.String("custodial-key-secret", "", "secret reference holding the custodial keypair JSON")
		secretsDriver = flag.String("secrets-driver", "file", "custodial key source: file|aws|env")
		poolProgram   = flag.String("pool-program", "", "privacy pool program address (required)")
		feeBps        = flag.Uint64("fee-bps", 50, "relay fee in basis points")
		relayOn       = flag.Bool("relay-enabled", true, "enable the relay signing service")

		provider       = flag.String("swap-provider", "jupiter", "swap provider: jupiter|raydium")
		jupiterBaseURL = flag.String("jupiter-base-url", "https://quote-api.jup.ag/v6", "Jupiter quote/swap API base URL")
		raydiumBaseURL = flag.String("raydium-base-url", "https://transaction-v1.raydium.io", "Raydium transaction API base URL")
		raydiumPools   = flag.String("raydium-pools-url", "https://api-v3.raydium.io", "Raydium pools API base URL")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN for the history store")
		storeDriver = flag.String("store-driver", "postgres", "history store driver: postgres|memory")

		blobDriver  = flag.String("blob-driver", blobstore.DriverS3, "proof artifact store driver: s3|memory")
		blobBucket  = flag.String("blob-bucket", "", "s3 bucket for proof artifacts")
		blobPrefix  = flag.String("blob-prefix", "relay", "blob key prefix")
		blobMaxSize = flag.Int64("blob-max-get-bytes", 16<<20, "max blob get size")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup    = flag.String("queue-group", "relayd", "queue consumer group")
		queueMaxBytes = flag.Int("queue-max-bytes", 10<<20, "max kafka message size to consume")
		maxLineBytes  = flag.Int("max-line-bytes", 1<<20, "max stdin line bytes for stdio driver")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "queue message ack timeout")

		swapInputTopic   = flag.String("swap-input-topic", queue.TopicSwapExecute, "swap execution request topic")
		swapOutcomeTopic = flag.String("swap-outcome-topic", queue.TopicSwapOutcome, "swap outcome topic")
		proofInputTopic  = flag.String("proof-input-topic", queue.TopicProofSubmit, "proof submission request topic")
		proofStatusTopic = flag.String("proof-status-topic", queue.TopicProofStatus, "proof job status topic")
		alertTopic       = flag.String("alert-topic", queue.TopicAlert, "operator alert topic")

		maxInflight   = flag.Int("max-inflight-sagas", 8, "maximum concurrent swap sagas")
		sweepInterval = flag.Duration("job-sweep-interval", 5*time.Minute, "terminal proof job sweep interval")
		jobRetention  = flag.Duration("job-retention", time.Hour, "terminal proof job retention")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if *rpcURL == "" || *poolProgram == "" {
		fmt.Fprintln(os.Stderr, "error: --rpc-url and --pool-program are required")
		os.Exit(2)
	}
	if *maxInflight <= 0 || *queueMaxBytes <= 0 || *maxLineBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-inflight-sagas, --queue-max-bytes, and --max-line-bytes must be > 0")
		os.Exit(2)
	}
	poolAddr, err := chainkey.ParseAddress(*poolProgram)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --pool-program: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := loadCustodialKey(ctx, *secretsDriver, *keypairPath, *keySecretRef)
	if err != nil {
		log.Error("load custodial keypair", "err", err)
		os.Exit(2)
	}

	rpc, err := chainrpc.New(*rpcURL)
	if err != nil {
		log.Error("init chain rpc client", "err", err)
		os.Exit(2)
	}

	signer, err := relay.NewSigner(rpc, key, relay.Config{
		PoolProgram: poolAddr,
		FeeBps:      *feeBps,
		Enabled:     *relayOn,
	}, log)
	if err != nil {
		log.Error("init relay signer", "err", err)
		os.Exit(2)
	}

	resolver, err := token.NewResolver(rpc, token.Config{Payer: key}, log)
	if err != nil {
		log.Error("init token resolver", "err", err)
		os.Exit(2)
	}

	router, err := newRouter(*provider, *jupiterBaseURL, *raydiumBaseURL, *raydiumPools, log)
	if err != nil {
		log.Error("init swap router", "err", err)
		os.Exit(2)
	}

	var store history.Store
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if *postgresDSN == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when --store-driver=postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := historypg.New(pool)
		if err != nil {
			log.Error("init history postgres store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure history postgres schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	case "memory":
		store = history.NewMemoryStore(time.Now)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	blobs, err := newBlobStore(ctx, *blobDriver, *blobBucket, *blobPrefix, *blobMaxSize)
	if err != nil {
		log.Error("init blob store", "err", err)
		os.Exit(2)
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()

	newConsumer := func(topic, groupSuffix string) queue.Consumer {
		c, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:        *queueDriver,
			Brokers:       queue.SplitCommaList(*queueBrokers),
			Group:         *queueGroup + "-" + groupSuffix,
			Topics:        []string{topic},
			KafkaMaxBytes: *queueMaxBytes,
			MaxLineBytes:  *maxLineBytes,
		})
		if err != nil {
			log.Error("init queue consumer", "topic", topic, "err", err)
			os.Exit(2)
		}
		return c
	}
	swapConsumer := newConsumer(*swapInputTopic, "swap")
	defer func() { _ = swapConsumer.Close() }()
	proofConsumer := newConsumer(*proofInputTopic, "proof")
	defer func() { _ = proofConsumer.Close() }()

	alerter, err := alert.NewQueueAlerter(producer, *alertTopic, nil, log)
	if err != nil {
		log.Error("init alerter", "err", err)
		os.Exit(2)
	}

	manager, err := proofjob.NewManager(proofgen.NewEngine(), blobs, proofjob.Config{
		SweepInterval: *sweepInterval,
		Retention:     *jobRetention,
	}, log)
	if err != nil {
		log.Error("init proof job manager", "err", err)
		os.Exit(2)
	}
	manager.Start()
	defer manager.Stop()

	saga, err := orchestrator.New(manager, signer, router, resolver, rpc, store, blobs, alerter, orchestrator.Config{}, log)
	if err != nil {
		log.Error("init saga orchestrator", "err", err)
		os.Exit(2)
	}

	swapWorker, err := swapworker.NewWorker(swapworker.Config{
		InputTopic:   *swapInputTopic,
		OutcomeTopic: *swapOutcomeTopic,
		MaxInflight:  *maxInflight,
		AckTimeout:   *ackTimeout,
	}, saga, swapConsumer, producer, log)
	if err != nil {
		log.Error("init swap worker", "err", err)
		os.Exit(2)
	}

	proofWorker, err := proofworker.NewWorker(proofworker.Config{
		InputTopic:  *proofInputTopic,
		StatusTopic: *proofStatusTopic,
		AckTimeout:  *ackTimeout,
	}, manager, proofConsumer, producer, log)
	if err != nil {
		log.Error("init proof worker", "err", err)
		os.Exit(2)
	}

	log.Info("relayd started",
		"custodial_address", key.Address().String(),
		"pool_program", poolAddr.String(),
		"swap_provider", strings.ToLower(strings.TrimSpace(*provider)),
		"fee_bps", *feeBps,
		"relay_enabled", *relayOn,
		"swap_input_topic", *swapInputTopic,
		"proof_input_topic", *proofInputTopic,
	)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- swapWorker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- proofWorker.Run(ctx)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			stop()
		}
	}
	wg.Wait()

	if firstErr != nil {
		log.Error("relayd exited with error", "err", firstErr)
		os.Exit(1)
	}
}

func loadCustodialKey(ctx context.Context, driver, path, ref string) (*chainkey.Keypair, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "file":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("--custodial-keypair is required when --secrets-driver=file")
		}
		return chainkey.LoadKeypairFile(path)
	case secrets.DriverAWS, secrets.DriverEnv:
		if strings.TrimSpace(ref) == "" {
			return nil, fmt.Errorf("--custodial-key-secret is required when --secrets-driver=%s", driver)
		}
		provider, err := secrets.New(ctx, driver)
		if err != nil {
			return nil, err
		}
		raw, err := provider.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		return chainkey.ParseKeypairJSON([]byte(raw))
	default:
		return nil, fmt.Errorf("unsupported secrets driver %q", driver)
	}
}

func newRouter(provider, jupiterBase, raydiumBase, raydiumPools string, log *slog.Logger) (swap.Router, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "jupiter":
		return swap.NewJupiter(swap.JupiterConfig{BaseURL: jupiterBase, Log: log})
	case "raydium":
		return swap.NewRaydium(swap.RaydiumConfig{BaseURL: raydiumBase, PoolsURL: raydiumPools, Log: log})
	default:
		return nil, fmt.Errorf("unsupported swap provider %q", provider)
	}
}

func newBlobStore(ctx context.Context, driver, bucket, prefix string, maxGetSize int64) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver:     strings.ToLower(strings.TrimSpace(driver)),
		Bucket:     strings.TrimSpace(bucket),
		Prefix:     strings.TrimSpace(prefix),
		MaxGetSize: maxGetSize,
	}
	if cfg.Driver == "" {
		cfg.Driver = blobstore.DriverS3
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
