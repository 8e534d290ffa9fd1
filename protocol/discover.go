package protocol

import (
	"errors"

	"github.com/datazip-inc/tidemark/types"
	"github.com/spf13/cobra"
)

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "discover command",
	PreRunE: func(_ *cobra.Command, _ []string) error {
		return loadSourceConfig()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		err := connector.Setup(cmd.Context())
		if err != nil {
			return err
		}
		defer connector.Close()

		tables, err := connector.Discover(cmd.Context())
		if err != nil {
			return err
		}

		if len(tables) == 0 {
			return errors.New("no tables found in connector")
		}

		types.LogCatalog(tables)
		return nil
	},
}
