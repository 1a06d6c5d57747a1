package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/config"
	"github.com/lloydmeta/echo/internal/infra/elasticsearch/common"
	"github.com/lloydmeta/echo/internal/infra/elasticsearch/diagnostics"
)

const DefaultIntegrityEventsPolicyName = "echo_integrity_events_policy"

// DefaultIntegrityEventsPolicy rolls integrity events over daily and drops them after 90 days
var DefaultIntegrityEventsPolicy = Json{
	"phases": Json{
		"hot": Json{
			"actions": Json{
				"rollover": Json{
					"max_size": "50GB",
					"max_age":  "1d",
				},
			},
		},
		"delete": Json{
			"min_age": "90d",
			"actions": Json{
				"delete": Json{},
			},
		},
	},
}

// Lifecycle manages the ILM policy behind the integrity events archive. When it is disabled
// every method is a no-op and the archive writes to a plain index.
type Lifecycle struct {
	esClient *elasticsearch.Client
	enabled  bool
	name     string
	policy   Json
}

func NewLifecycle(esClient *elasticsearch.Client, settings config.LifecycleSettings) *Lifecycle {
	l := &Lifecycle{
		esClient: esClient,
		enabled:  settings.Enabled,
		name:     DefaultIntegrityEventsPolicyName,
		policy:   DefaultIntegrityEventsPolicy,
	}
	if settings.CustomPolicy != nil {
		l.name = settings.CustomPolicy.Name
		l.policy = settings.CustomPolicy.Policy
	}
	return l
}

func (l *Lifecycle) PolicyName() string {
	return l.name
}

// TemplateHook points the integrity events template at the rollover indices and the policy
func (l *Lifecycle) TemplateHook() func(t *Template) {
	return func(t *Template) {
		if !l.enabled {
			return
		}
		t.Patterns = []Pattern{fmt.Sprintf("%s-*", diagnostics.IndexName)}
		if t.Settings == nil {
			t.Settings = make(Json)
		}
		t.Settings["index.lifecycle.name"] = l.name
		t.Settings["index.lifecycle.rollover_alias"] = diagnostics.IndexName
	}
}

// Check returns PolicyNotInstalled if the policy is missing. It does not compare an
// installed policy with the configured one.
func (l *Lifecycle) Check(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	status, err := l.do(ctx, esapi.ILMGetLifecycleRequest{Policy: l.name}, 404)
	if err != nil {
		return err
	}
	if status == 404 {
		return PolicyNotInstalled{Policy: l.name}
	}
	return nil
}

func (l *Lifecycle) Install(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	body, err := json.Marshal(Json{"policy": l.policy})
	if err != nil {
		return common.JsonSerdesErr{Underlying: []error{err}}
	}
	log.Info().RawJSON("body", body).Str("policy_name", l.name).Msg("Applying lifecycle policy")
	_, err = l.do(ctx, esapi.ILMPutLifecycleRequest{Policy: l.name, Body: bytes.NewReader(body)})
	return err
}

// Bootstrap creates the first rollover index behind the integrity events write alias
func (l *Lifecycle) Bootstrap(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	body, err := json.Marshal(Json{
		"aliases": Json{
			diagnostics.IndexName: Json{"is_write_index": true},
		},
	})
	if err != nil {
		return common.JsonSerdesErr{Underlying: []error{err}}
	}
	_, err = l.do(ctx, esapi.IndicesCreateRequest{
		// <name-{now/d}-000001>, url encoded
		Index: fmt.Sprintf("%%3C%s-%%7Bnow%%2Fd%%7D-000001%%3E", diagnostics.IndexName),
		Body:  bytes.NewReader(body),
	})
	return err
}

// do performs req, treating any 2xx status, and any listed in also, as a success
func (l *Lifecycle) do(ctx context.Context, req esapi.Request, also ...int) (int, error) {
	rawResp, err := req.Do(ctx, l.esClient)
	if err != nil {
		return 0, common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	if !rawResp.IsError() {
		return rawResp.StatusCode, nil
	}
	for _, status := range also {
		if rawResp.StatusCode == status {
			return status, nil
		}
	}
	return rawResp.StatusCode, common.UnexpectedEsStatusError(rawResp)
}

type PolicyNotInstalled struct {
	Policy string
}

func (t PolicyNotInstalled) Error() string {
	return fmt.Sprintf("The lifecycle policy [%s] is not installed. Please run the setup command to install it", t.Policy)
}
