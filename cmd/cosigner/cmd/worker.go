package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vault-cosigner/internal/event"
	"vault-cosigner/internal/service"
	"vault-cosigner/internal/service/mq"
	"vault-cosigner/internal/worker"
	"vault-cosigner/internal/worker/tasks"
	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/utils/lock"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "消费转账请求，并定期恢复中断的 run",
	Long: `从 MQ 的 cosigner_transfer_requests 主题消费转账请求并执行联签。
使用 Redis 时同时启动 asynq worker 与定时扫描，把长时间未推进的 run 投递为恢复任务。`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx, true, true)
		if err != nil {
			return err
		}
		defer a.close()

		cfg := a.cfg
		a.startRelay(ctx)

		if a.rdb != nil {
			client := worker.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			defer client.Close()

			srv := worker.NewServer(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Worker.Concurrency,
				tasks.NewResumeHandler(a.cosign, a.log))
			srv.Start()
			defer srv.Stop()

			cron := service.NewCronService(a.cosign, client, lock.NewRedisLock(a.rdb),
				cfg.Worker.SweepSchedule, cfg.Worker.StaleAfter, a.log)
			if err := cron.Start(); err != nil {
				return errno.Wrap(errno.ErrConfig, "worker.sweep_schedule", err)
			}
			defer cron.Stop()
		} else {
			a.log.Warn("未配置 Redis，跳过崩溃恢复任务")
		}

		var consumer mq.Consumer
		switch cfg.Redis.MQType {
		case "kafka":
			consumer = mq.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Worker.ConsumerGroup, cfg.Worker.RedeliverAfter, a.log)
		case "redis":
			consumer = mq.NewRedisConsumer(a.rdb, cfg.Worker.ConsumerGroup, cfg.Worker.ConsumerName, cfg.Worker.RedeliverAfter, a.log)
		default:
			return errno.Newf(errno.ErrConfig, "worker requires redis.mq_type redis or kafka")
		}
		defer consumer.Close()

		defaults, err := cfg.Transfer.TransferSpec()
		if err != nil {
			return err
		}
		handler := tasks.NewTransferRequestHandler(a.cosign, defaults, a.log)
		a.log.Info("开始消费转账请求", zap.String("topic", event.TopicTransferRequested))
		if err := consumer.Subscribe(ctx, event.TopicTransferRequested, handler.Handler(ctx)); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
