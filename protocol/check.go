package protocol

import (
	"fmt"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/types"
	"github.com/spf13/cobra"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "check command",
	PreRunE: func(_ *cobra.Command, _ []string) error {
		return loadSourceConfig()
	},
	Run: func(cmd *cobra.Command, _ []string) {
		err := func() error {
			defer connector.Close()
			if err := connector.Check(cmd.Context()); err != nil {
				return err
			}

			// the selected tables must be plannable
			tables, err := connector.SelectTables(cmd.Context())
			if err != nil {
				return err
			}
			if len(tables) == 0 {
				return fmt.Errorf("no table matches the configured patterns")
			}

			invalid := []string{}
			for _, table := range tables {
				schema, err := connector.Schema(cmd.Context(), table)
				if err == nil {
					_, err = schema.KeyColumn()
				}
				if err != nil {
					logger.Error(err)
					invalid = append(invalid, table.ID())
				}
			}
			if len(invalid) > 0 {
				return fmt.Errorf("found invalid tables: %v", invalid)
			}
			return nil
		}()

		// log success
		message := types.Message{
			Type: types.ConnectionStatusMessage,
			ConnectionStatus: &types.StatusRow{
				Status: types.ConnectionSucceed,
			},
		}
		if err != nil {
			message.ConnectionStatus.Message = err.Error()
			message.ConnectionStatus.Status = types.ConnectionFailed
		}
		logger.Info(message)
	},
}
