package main

import (
	"fmt"

	"github.com/ahmadzakiakmal/herbtrace/config"
	"github.com/ahmadzakiakmal/herbtrace/notify"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newWorkerCmd(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume worklist notifications",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd, map[string]string{
				"notify.redis_addr":  "redis-addr",
				"notify.concurrency": "concurrency",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := load()
			if err != nil {
				return err
			}
			if c.Notify.RedisAddr == "" {
				return fmt.Errorf("notify.redis_addr must be set")
			}
			logger, err := newLogger(c.Log.Level)
			if err != nil {
				return err
			}

			server := asynq.NewServer(redisOpt(c), asynq.Config{
				Concurrency: c.Notify.Concurrency,
				Queues:      notify.Queues(),
			})
			processor := notify.NewProcessor(logger.With("module", "worker"), 0)

			go func() {
				<-cmd.Context().Done()
				server.Shutdown()
			}()

			logger.Info("Worker started", "redis", c.Notify.RedisAddr, "concurrency", c.Notify.Concurrency)
			if err := server.Run(processor.Handler()); err != nil {
				return fmt.Errorf("worker stopped: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("redis-addr", "", "Redis address")
	cmd.Flags().Int("concurrency", 10, "Concurrent notification handlers")
	return cmd
}
