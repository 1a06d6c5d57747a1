package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/infra/afero/keyring"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an identity",
	Long:  `Generates an identity key pair and writes it where the server will look for it, unless a key is already there`,
	Run: func(cmd *cobra.Command, args []string) {
		path := keygenOut
		if path == "" {
			if appConfig.Storage.Directory == nil {
				log.Fatal().Msg("No storage directory configured; pass --out")
			}
			path = filepath.Join(*appConfig.Storage.Directory, appConfig.Identity.KeyFile)
		}
		pair, err := keys.Generate()
		if err != nil {
			log.Fatal().Err(err).Msg("Could not generate a key pair")
		}
		if err := keyring.Save(afero.NewOsFs(), path, pair); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Could not save the key pair")
		}
		fmt.Println(pair.Public.Hex())
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "", "where to write the key (defaults to the configured identity key file)")
	rootCmd.AddCommand(keygenCmd)
}
