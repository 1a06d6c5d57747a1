package server

import (
	"context"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/config"
	"github.com/lloydmeta/echo/internal/infra/elasticsearch/index"
)

// Setup abstracts away:
//
// 1. Setting up the Elasticsearch indices echo writes checkpoints and integrity events to
// 2. Checking that things are set up
type Setup interface {

	// Check returns an error if all the necessary setup is not complete
	Check(ctx context.Context) error

	// RunIfNeeded attempts to run the subroutines necessary, no more no less
	RunIfNeeded(ctx context.Context) error
}

type impl struct {
	ilm           *index.Lifecycle
	templateSetup index.TemplateSetup
}

// NewSetup returns a Setup implementation
func NewSetup(esClient *elasticsearch.Client, config *config.App) Setup {
	ilmSetup := index.NewLifecycle(esClient, config.LifecycleSetup.IntegrityEvents)
	templateSetup := index.DefaultTemplateSetup(esClient, ilmSetup.TemplateHook())

	return &impl{
		ilm:           ilmSetup,
		templateSetup: templateSetup,
	}
}

func (i *impl) Check(ctx context.Context) error {
	if err := i.ilm.Check(ctx); err != nil {
		return err
	} else if err := i.templateSetup.Check(ctx); err != nil {
		return err
	} else {
		return nil
	}
}

func (i *impl) RunIfNeeded(ctx context.Context) error {

	needsIlmSetup := false
	if err := i.ilm.Check(ctx); err != nil {
		if _, policiesNotFound := err.(index.PolicyNotInstalled); policiesNotFound {
			needsIlmSetup = true
		} else {
			log.Info().Msg("Skipping ILM setup")
			return err
		}
	}

	if needsIlmSetup {
		log.Info().Msg("Setting up ILM")
		if err := i.ilm.Install(ctx); err != nil {
			log.Error().Err(err).Msg("Could not install ILM policies")
			return err
		}
	}

	if err := i.templateSetup.Check(ctx); err != nil {
		if _, templateNotFound := err.(index.TemplatesNotInstalled); templateNotFound {
			log.Info().Msg("Setting up Index templates")
			if err := i.templateSetup.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to install index templates")
				return err
			}
		} else {
			return err
		}
	}

	if needsIlmSetup {
		log.Info().Msg("Bootstrapping ILM indices")
		if err := i.ilm.Bootstrap(ctx); err != nil {
			log.Error().Err(err).Msg("Could not bootstrap indices for ILM")
			return err
		}
	}

	log.Info().Msg("Setup complete")
	return nil
}
