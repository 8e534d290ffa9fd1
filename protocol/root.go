package protocol

import (
	"fmt"
	"path/filepath"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/checkpoint"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configPath            string
	destinationConfigPath string
	statePath             string
	checkpointType        string
	jobID                 string
	httpPort              int
	noSave                bool

	destinationConfig *types.WriterConfig

	commands  = []*cobra.Command{}
	connector Driver
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "tidemark",
	Short: "root command",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// set global variables
		if !noSave && configPath != "" {
			viper.Set("CONFIG_FOLDER", filepath.Dir(configPath))
		}
		// logger uses CONFIG_FOLDER
		logger.Init()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}

		if ok := utils.IsValidSubcommand(commands, args[0]); !ok {
			return fmt.Errorf("'%s' is an invalid command. Use 'tidemark --help' to display usage guide", args[0])
		}

		return nil
	},
}

func CreateRootCommand(_ bool, driver any) *cobra.Command {
	RootCmd.AddCommand(commands...)
	connector = driver.(Driver)

	return RootCmd
}

// checkpointConfig selects the checkpoint store; the state lives next to the config by default
func checkpointConfig() checkpoint.Config {
	path := statePath
	if path == "" {
		folder := viper.GetString("CONFIG_FOLDER")
		if checkpoint.StoreType(checkpointType) == checkpoint.PebbleStoreType {
			path = folder
		} else {
			path = filepath.Join(folder, "state.json")
		}
	}
	return checkpoint.Config{Type: checkpoint.StoreType(checkpointType), Path: path}
}

func loadSourceConfig() error {
	if configPath == "" {
		return fmt.Errorf("--config not passed")
	}

	return utils.UnmarshalFile(configPath, connector.GetConfigRef())
}

func init() {
	commands = append(commands, checkCmd, discoverCmd, syncCmd, stateCmd)
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "", "", "(Required) Config for connector")
	RootCmd.PersistentFlags().StringVarP(&destinationConfigPath, "destination", "", "", "(Required) Destination config for connector")
	RootCmd.PersistentFlags().StringVarP(&statePath, "state", "", "", "(Optional) State file, or data directory of the pebble checkpoint store")
	RootCmd.PersistentFlags().StringVarP(&checkpointType, "checkpoint", "", string(checkpoint.FileStoreType), "(Optional) Checkpoint store type: file or pebble")
	RootCmd.PersistentFlags().StringVarP(&jobID, "job-id", "", "tidemark", "(Optional) Job identifier inside the checkpoint store")
	RootCmd.PersistentFlags().IntVarP(&httpPort, "http-port", "", 8080, "(Optional) Port of the debug and metrics server, 0 disables it")
	RootCmd.PersistentFlags().BoolVarP(&noSave, "no-save", "", false, "(Optional) Flag to skip logging artifacts in file")
	// Disable Cobra CLI's built-in usage and error handling
	RootCmd.SilenceUsage = true
	RootCmd.SilenceErrors = true
}
