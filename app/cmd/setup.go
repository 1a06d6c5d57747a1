package cmd

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lloydmeta/echo/internal/infra/elasticsearch/common"
	"github.com/lloydmeta/echo/internal/infra/elasticsearch/index"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Run echo setup",
	Long:  "Runs the Elasticsearch setup routines for echo: ILM policies, Index Templates and the bootstrap index for integrity events",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		if appConfig.Elasticsearch == nil {
			log.Fatal().Msg("Elasticsearch is not configured, nothing to set up")
		}
		esClient, err := common.NewClient(*appConfig.Elasticsearch)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not setup Elasticsearch client")
		}
		log.Info().Msg("Setting up ILM")
		ilmSetup := index.NewLifecycle(esClient, appConfig.LifecycleSetup.IntegrityEvents)
		if err := ilmSetup.Install(ctx); err != nil {
			log.Fatal().Err(err).Msg("Could not install ILM policies")
		}

		// This needs to happen after ILM because templates refer to ILM policies
		log.Info().Msg("Setting up Index templates")
		templatesSetup := index.DefaultTemplateSetup(esClient, ilmSetup.TemplateHook())
		if err := templatesSetup.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to install index templates")
		}

		if err := ilmSetup.Bootstrap(ctx); err != nil {
			log.Fatal().Err(err).Msg("Could not bootstrap indices for ILM")
		}
		log.Info().Msg("Setup complete.")
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
