package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudshelf/objectfs/cfg"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	MountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "objectfs --bucket-name=<bucket> --mount-point=<dir>",
	Short: "Mount a remote object store bucket as a local FUSE filesystem",
	Long: `objectfs mounts a single remote bucket read-write at a local
directory, serving lookups and reads from a persistent on-disk metadata
store and populating file content on demand from the bucket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := validateConfig(); err != nil {
			return err
		}
		return runMount(cmd.Context(), &MountConfig)
	},
}

func validateConfig() error {
	if MountConfig.MountPoint == "" {
		return fmt.Errorf("--mount-point is required")
	}
	if MountConfig.BucketName == "" {
		return fmt.Errorf("--bucket-name is required")
	}
	return nil
}

// Execute runs the root command, exiting the process with a status code
// matching the nature of the failure: 2 for a mount-permission error (see
// runMount), 1 for anything else.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode, ok := mountExitCode(err); ok {
			os.Exit(exitCode)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "path to a YAML config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&MountConfig)
		return
	}

	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&MountConfig)
}
