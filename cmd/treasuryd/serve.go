package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"Treasury-Relay/internal/api"
	"Treasury-Relay/internal/chain"
	"Treasury-Relay/internal/chain/local"
	"Treasury-Relay/internal/config"
	"Treasury-Relay/internal/observability/alerting"
	"Treasury-Relay/internal/observability/metrics"
	"Treasury-Relay/internal/operator"
	"Treasury-Relay/internal/relay"
	"Treasury-Relay/internal/storage/sqlstore"
	"Treasury-Relay/pkg/logger"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the embedded ledger, the relay workers and the REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			err = serve(cmd.Context(), cfg)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named(programName)
	if err := os.MkdirAll(cfg.Ledger.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	var collector *metrics.Collector
	ledgerCfg := local.Config{
		DataDir:     filepath.Join(cfg.Ledger.DataDir, "ledger"),
		GenesisPath: cfg.Ledger.GenesisPath,
		Logger:      logger.Named("ledger"),
	}
	if cfg.Ledger.InMemory {
		ledgerCfg.DataDir = ""
	}
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		ledgerCfg.Observer = collector
	}
	client, err := local.Open(ctx, ledgerCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	key, err := loadOrCreateKey(cfg.Operator.KeypairPath, log)
	if err != nil {
		return err
	}
	if balance, err := client.Balance(ctx, key.PublicKey()); err == nil && balance == 0 {
		log.Warn("创建者账户余额为 0，请在创世文件中为其注资", slog.String("creator", key.PublicKey().String()))
	}

	proposals, err := sqlstore.OpenProposalRepository(ctx, cfg.Storage.ProposalLog, cfg.Ledger.DataDir)
	if err != nil {
		return err
	}
	defer proposals.Close()

	op, err := operator.New(operator.Config{
		Client:    client,
		Key:       key,
		Proposals: proposals,
		Logger:    logger.Named("operator"),
	})
	if err != nil {
		return err
	}

	store, err := openJobStore(ctx, cfg.Storage.JobStore)
	if err != nil {
		return err
	}
	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		_ = store.Close()
		return err
	}
	jobs := relay.NewService(store, queue, cfg.Queue.MaxRetries)
	defer func() {
		if err := jobs.Close(); err != nil {
			log.Warn("关闭作业服务失败", slog.Any("error", err))
		}
	}()

	procOpts := []relay.ProcessorOption{
		relay.WithWorkerCount(cfg.Queue.Workers),
		relay.WithProcessorLogger(logger.Named("relay")),
		relay.WithRecoveryHandler(relay.ExecutedProposalRecovery{Checker: op}),
		relay.WithAlertDispatcher(buildAlerts(cfg.Alerting)),
	}
	if collector != nil {
		procOpts = append(procOpts, relay.WithJobObserver(collector))
	}
	processor := relay.NewProcessor(op, store, queue, queue, procOpts...)

	apiCfg := api.Config{
		Addr:     cfg.Server.Address,
		Operator: op,
		Jobs:     jobs,
		Client:   client,
		Tokens:   cfg.Server.APITokens,
	}
	if collector != nil {
		apiCfg.Metrics = collector
	}
	server := api.NewServer(apiCfg)

	addrs := op.Addresses()
	log.Info("treasuryd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("creator", op.Creator().String()),
		slog.String("governor", addrs.Governor.Address.String()),
		slog.String("vault", addrs.Vault.Address.String()),
		slog.String("job_store", cfg.Storage.JobStore.Driver),
		slog.String("queue", cfg.Queue.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)
	events, err := client.SubscribeEvents(gctx)
	if err != nil {
		return err
	}
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return processor.Start(gctx) })
	g.Go(func() error { return auditEvents(gctx, events) })
	if collector != nil && cfg.Metrics.Address != "" {
		g.Go(func() error { return collector.StartServer(gctx, cfg.Metrics.Address) })
	}
	return g.Wait()
}

func loadOrCreateKey(path string, log *slog.Logger) (solana.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return operator.LoadKey(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := operator.WriteKey(path, key); err != nil {
		return nil, err
	}
	log.Info("已生成创建者密钥", slog.String("path", path), slog.String("creator", key.PublicKey().String()))
	return key, nil
}

func openJobStore(ctx context.Context, cfg sqlstore.Config) (relay.Store, error) {
	switch cfg.Driver {
	case "memory":
		return relay.NewMemoryStore(), nil
	default:
		return relay.NewSQLStore(ctx, cfg)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (relay.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return relay.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return relay.NewRedisQueue(ctx, cfg.Redis)
	case "rabbitmq":
		return relay.NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

// auditEvents 把账本提交的每笔交易写入审计日志，返回时释放订阅。
func auditEvents(ctx context.Context, sub *chain.EventSubscription) error {
	defer sub.Close()
	audit := logger.Audit()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-sub.Err():
			if !ok {
				return nil
			}
			return err
		case ev := <-sub.Events():
			attrs := []any{
				slog.String("signature", ev.Signature.String()),
				slog.Uint64("slot", ev.Slot),
				slog.Int("accounts", len(ev.Accounts)),
			}
			if ev.Err != nil {
				audit.Warn("transaction rejected", append(attrs, slog.String("error", ev.Err.Error()))...)
				continue
			}
			audit.Info("transaction committed", attrs...)
		}
	}
}
