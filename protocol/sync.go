package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/checkpoint"
	"github.com/datazip-inc/tidemark/pkg/engine"
	"github.com/datazip-inc/tidemark/pkg/metrics"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/utils"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// syncCmd represents the read command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "snapshot the selected tables and stream their changes",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if destinationConfigPath == "" {
			return fmt.Errorf("--destination not passed")
		}

		if err := loadSourceConfig(); err != nil {
			return err
		}

		// unmarshal destination config
		destinationConfig = &types.WriterConfig{}
		if err := utils.UnmarshalFile(destinationConfigPath, destinationConfig); err != nil {
			return err
		}
		return utils.Validate(destinationConfig)
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if err := connector.Setup(ctx); err != nil {
			return err
		}
		defer connector.Close()

		tables, err := connector.SelectTables(ctx)
		if err != nil {
			return err
		}

		jobConfig := connector.JobConfig()
		engineConfig, err := jobConfig.EngineConfig()
		if err != nil {
			return err
		}

		store, err := checkpoint.New(checkpointConfig(), jobID)
		if err != nil {
			return err
		}
		defer store.Close()

		state, err := checkpoint.LoadState(ctx, store)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		state.SetCheckpointer(checkpoint.NewCheckpointer(ctx, store))

		eng := engine.New(connector, connector.Schemas(), state, engineConfig)
		if err := eng.Plan(ctx, tables); err != nil {
			return err
		}

		metrics.Initialize()
		if httpPort > 0 {
			server := StartHTTPServer(httpPort, eng.State)
			defer server.Close()
		}

		statsCtx, stopStats := context.WithCancel(ctx)
		defer stopStats()
		logger.StatsLogger(statsCtx, eng.Stats)

		options := []PoolOptions{WithBatchSize(jobConfig.MaxBatchSize)}
		if ack, ok := connector.(Acknowledger); ok {
			options = append(options, WithAcknowledger(ack))
		}
		pool, err := NewWriterPool(ctx, destinationConfig, connector.Schemas(), options...)
		if err != nil {
			return err
		}

		// the engine stops on runCtx; the pool keeps ctx to drain what was already queued
		runCtx, cancelRun := context.WithCancel(ctx)
		defer cancelRun()

		syncStartTime := time.Now()
		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			defer cancelRun()
			return eng.Run(runCtx)
		})
		group.Go(func() error {
			defer cancelRun()
			return pool.Run(groupCtx, eng)
		})
		group.Go(func() error {
			pool.WatchIdle(runCtx, jobConfig.IdleTimeout(), func() bool {
				return eng.State().StreamSplit() != nil
			}, cancelRun)
			return nil
		})

		if err := group.Wait(); err != nil {
			state.LogState()
			return fmt.Errorf("sync failed: %w", err)
		}

		logger.Infof("sync finished in %s, %d events written", time.Since(syncStartTime).Round(time.Second), pool.Written())
		state.LogState()
		return nil
	},
}
