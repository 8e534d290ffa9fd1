package protocol

import (
	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/checkpoint"
	"github.com/datazip-inc/tidemark/types"
	"github.com/spf13/cobra"
)

// stateCmd prints the persisted checkpoint of the job
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "print the persisted split state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := checkpoint.New(checkpointConfig(), jobID)
		if err != nil {
			return err
		}
		defer store.Close()

		persisted, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		if persisted == nil {
			logger.Infof("no checkpoint found for job[%s]", jobID)
			return nil
		}

		logger.Info(types.Message{Type: types.StateMessage, State: persisted})
		return nil
	},
}
