package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/infra/elasticsearch/checkpoint"
	"github.com/lloydmeta/echo/internal/infra/elasticsearch/common"
	"github.com/lloydmeta/echo/internal/infra/elasticsearch/diagnostics"
)

type TemplateName string
type Pattern = string
type Json = map[string]interface{}
type Mappings = map[string]interface{}

// Template defines a template to be applied when setup is run
type Template struct {
	name     TemplateName // ignored when serialising because the name doesn't start with a capital
	Patterns []Pattern    `json:"index_patterns"`
	Settings Json         `json:"settings,omitempty"`
	Mappings Mappings     `json:"mappings,omitempty"`
}

func (t *Template) Name() TemplateName {
	return t.name
}

func NewTemplate(name TemplateName, patterns []Pattern, mappings Mappings) Template {
	return Template{name: name, Patterns: patterns, Mappings: mappings}
}

type TemplateSetup interface {
	// Run puts every template
	Run(ctx context.Context) error
	// Check returns TemplatesNotInstalled if any template is missing
	Check(ctx context.Context) error
}

// TemplatesSetup holds a list of Templates and has the ability to actually
// send them to the server
type TemplatesSetup struct {
	esClient  *elasticsearch.Client
	Templates []Template
}

// DefaultTemplateSetup returns the setup for every index echo writes to. The integrity events
// template is passed through integrityHook so that ILM can adjust it.
func DefaultTemplateSetup(esClient *elasticsearch.Client, integrityHook func(t *Template)) TemplateSetup {
	integrity := IntegrityEventsTemplate
	integrity.Patterns = append([]Pattern(nil), IntegrityEventsTemplate.Patterns...)
	if integrityHook != nil {
		integrityHook(&integrity)
	}
	return &TemplatesSetup{
		esClient: esClient,
		Templates: []Template{
			CheckpointsTemplate,
			integrity,
		},
	}
}

// Runs the setup
func (s *TemplatesSetup) Run(ctx context.Context) error {
	var errors []error
	for _, template := range s.Templates {
		if err := s.putTemplate(ctx, &template); err != nil {
			errors = append(errors, err)
		}
	}
	if len(errors) != 0 {
		return PutTemplateErrors{Errors: errors}
	} else {
		return nil
	}
}

// Checks if the current TemplatesSetup was run.
//
// This is currently a shallow check for template presence only.
func (s *TemplatesSetup) Check(ctx context.Context) error {
	indexTemplateNames := make([]string, 0, len(s.Templates))
	for _, t := range s.Templates {
		indexTemplateNames = append(indexTemplateNames, string(t.Name()))
	}

	indexTemplatesGetReq := esapi.IndicesGetTemplateRequest{Name: indexTemplateNames}

	rawResp, err := indexTemplatesGetReq.Do(ctx, s.esClient)
	if err != nil {
		return common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	switch rawResp.StatusCode {
	case 200:
		var mappings map[string]interface{}
		if err = json.NewDecoder(rawResp.Body).Decode(&mappings); err != nil {
			return common.JsonSerdesErr{Underlying: []error{err}}
		}
		var notPresent []string
		for _, name := range indexTemplateNames {
			if _, ok := mappings[name]; !ok {
				notPresent = append(notPresent, name)
			}
		}
		if len(notPresent) != 0 {
			return TemplatesNotInstalled{NotInstalled: notPresent}
		} else {
			return nil
		}
	case 404:
		return TemplatesNotInstalled{NotInstalled: indexTemplateNames}
	default:
		return common.UnexpectedEsStatusError(rawResp)
	}
}

func (s *TemplatesSetup) putTemplate(ctx context.Context, t *Template) error {
	asBytes, err := json.Marshal(t)
	if err != nil {
		return common.JsonSerdesErr{Underlying: []error{err}}
	}
	log.Info().RawJSON("body", asBytes).Str("template_name", string(t.name)).Msg("Applying template")
	putTemplateReq := esapi.IndicesPutTemplateRequest{
		Body: bytes.NewReader(asBytes),
		Name: string(t.name),
	}
	rawResp, err := putTemplateReq.Do(ctx, s.esClient)
	if err != nil {
		return common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	switch rawResp.StatusCode {
	case 200:
		return nil
	default:
		return common.UnexpectedEsStatusError(rawResp)
	}
}

type PutTemplateErrors struct {
	Errors []error
}

func (e PutTemplateErrors) Error() string {
	return fmt.Sprintf("Errors encountered [%v]", e.Errors)
}

type TemplatesNotInstalled struct {
	NotInstalled []string
}

func (t TemplatesNotInstalled) Error() string {
	return fmt.Sprintf("One or more app index templates were not installed. Please run the setup command to install them [%v]", t.NotInstalled)
}

// Templates

// Checkpoints are small documents we own, so dynamic mapping is fine apart from the frames
// themselves, which are only ever read back whole
var CheckpointsTemplate = NewTemplate(
	".echo_checkpoints_index_template",
	[]Pattern{checkpoint.IndexName},
	Mappings{
		"_source": Json{
			"enabled": true,
		},
		"dynamic": true,
		"properties": Json{
			"node":  Json{"type": "keyword"},
			"space": Json{"type": "keyword"},
			"timeframe": Json{
				"type":    "object",
				"enabled": false,
			},
			"saved_at": Json{"type": "date"},
		},
	},
)

var IntegrityEventsTemplate = NewTemplate(
	".echo_integrity_events_index_template",
	[]Pattern{diagnostics.IndexName},
	Mappings{
		"_source": Json{
			"enabled": true,
		},
		"dynamic": false,
		"properties": Json{
			"id":    Json{"type": "keyword"},
			"node":  Json{"type": "keyword"},
			"space": Json{"type": "keyword"},
			"kind":  Json{"type": "keyword"},
			"feed":  Json{"type": "keyword"},
			"seq":   Json{"type": "long"},
			"reason": Json{
				"type": "text",
				"fields": Json{
					"keyword": Json{
						"type":         "keyword",
						"ignore_above": 256,
					},
				},
			},
			"at": Json{"type": "date"},
		},
	},
)
