// Package cmd provides the CLI commands for lockbox.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	storeDir   string
	category   string
	jsonOutput bool
	verbose    bool
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "Lockbox CLI - Zero-knowledge encrypted document store",
	Long: `Lockbox keeps arbitrary JSON documents encrypted on disk under a key
derived from your master password. Nothing leaves your machine; the
backing database never sees plaintext or key material.

Get started:
  lockbox init                 Create a store and set a master password
  lockbox put ID JSON          Store an encrypted document
  lockbox get ID               Decrypt and print a document
  lockbox ls --category NAME   List items without decrypting

Examples:
  lockbox init
  lockbox put note1 '{"text":"hi"}' --category notes
  lockbox get note1
  lockbox rotate`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.lockbox/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&storeDir, "store", "", "store directory (default ~/.lockbox)")
	rootCmd.PersistentFlags().StringVarP(&category, "category", "c", "", "item category")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))
	viper.BindPFlag("category", rootCmd.PersistentFlags().Lookup("category"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home + "/.lockbox")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("LOCKBOX")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
