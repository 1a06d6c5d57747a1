package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lloydmeta/echo/internal/infra/afero/keyring"
)

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.AddCommand(showConfigCmd)
	showCmd.AddCommand(showIdentityCmd)
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show information",
	Long:  `Sometimes you just need to know more`,
}

var showConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show config",
	Long:  `Renders the config that we end up using`,
	Run: func(cmd *cobra.Command, args []string) {
		out, err := json.MarshalIndent(&appConfig, "", "  ")
		if err != nil {
			log.Fatal().Err(err).Msg("Error marshalling config to JSON")
		} else {
			log.Info().Msg(string(out))
		}
	},
}

var showIdentityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show identity",
	Long:  `Prints the public key of the identity this node signs credentials with`,
	Run: func(cmd *cobra.Command, args []string) {
		if appConfig.Storage.Directory == nil {
			log.Fatal().Msg("No storage directory configured, the identity only exists while the server runs")
		}
		path := filepath.Join(*appConfig.Storage.Directory, appConfig.Identity.KeyFile)
		pair, err := keyring.Load(afero.NewOsFs(), path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Could not load the identity")
		}
		fmt.Println(pair.Public.Hex())
	},
}
