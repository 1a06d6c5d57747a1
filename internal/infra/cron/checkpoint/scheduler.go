package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/space"
	"github.com/lloydmeta/echo/internal/domain/tracing"
)

// Target is something whose progress can be checkpointed
type Target interface {
	Key() keys.PublicKey
	Checkpoint(ctx context.Context) error
}

// Lister returns the Targets that are currently open
type Lister func() []Target

// ManagerLister lists every open Space of the given Manager
func ManagerLister(manager *space.Manager) Lister {
	return func() []Target {
		spaces := manager.Spaces()
		targets := make([]Target, 0, len(spaces))
		for _, s := range spaces {
			targets = append(targets, s)
		}
		return targets
	}
}

// Scheduler periodically checkpoints every open space
type Scheduler interface {
	Start() error
	Stop()
	// RunOnce checkpoints every target right away, returning how many failed
	RunOnce(ctx context.Context) uint
}

type schedulerImpl struct {
	cron *cron.Cron

	expression string

	targets Lister

	tracer tracing.Tracer

	entryId *cron.EntryID

	mu sync.Mutex
}

// Returns the default implementation of a scheduler that delegates to
// the standard robfig/cron
func NewScheduler(expression string, targets Lister, tracer tracing.Tracer) Scheduler {
	return &schedulerImpl{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		expression: expression,
		targets:    targets,
		tracer:     tracer,
		mu:         sync.Mutex{},
	}
}

// Start adds the checkpoint job to cron and starts it. Calling it again is a no-op.
func (i *schedulerImpl) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.entryId != nil {
		return nil
	}

	if log.Info().Enabled() {
		log.Info().
			Str("expression", i.expression).
			Msg("Scheduling checkpoints")
	}

	cronJob := cron.NewChain(
		cron.Recover(zeroLogCronLogger{}),
		cron.SkipIfStillRunning(zeroLogCronLogger{}),
	).Then(cron.FuncJob(func() {
		tx := i.tracer.BackgroundTx("checkpoint-spaces")
		defer tx.End()
		i.RunOnce(tx.Context())
	}))

	entryId, err := i.cron.AddJob(i.expression, cronJob)
	if err != nil {
		return err
	}
	i.entryId = &entryId
	i.cron.Start()
	return nil
}

// Stop waits for a running checkpoint job to finish
func (i *schedulerImpl) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	<-i.cron.Stop().Done()
}

func (i *schedulerImpl) RunOnce(ctx context.Context) uint {
	var failed uint
	for _, target := range i.targets() {
		if err := target.Checkpoint(ctx); err != nil {
			failed++
			log.Error().
				Err(err).
				Str("space", target.Key().Hex()).
				Msg("Failed to checkpoint space")
		} else if log.Debug().Enabled() {
			log.Debug().
				Str("space", target.Key().Hex()).
				Msg("Checkpointed space")
		}
	}
	return failed
}

// Parse validates a cron expression
func Parse(expression string) (cron.Schedule, error) {
	return cron.ParseStandard(expression)
}

type zeroLogCronLogger struct {
}

func (z zeroLogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	if log.Debug().Enabled() {
		formatted := formatTimeValues(keysAndValues)
		log.Debug().Fields(formatted).Msg(msg)
	}
}

func (z zeroLogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	if log.Error().Enabled() {
		formatted := formatTimeValues(keysAndValues)
		log.Error().Err(err).Fields(formatted).Msg(msg)
	}
}

// formatTimeValues formats any time.Time values as RFC3339 *and*
// returns the even-odd idx key-value pair slice as a map
func formatTimeValues(keysAndValues []interface{}) map[string]interface{} {
	formattedArgs := make(map[string]interface{}, len(keysAndValues)/2)
	for idx := 0; idx < len(keysAndValues); idx += 2 {
		var key string
		if s, ok := keysAndValues[idx].(string); ok {
			key = s
		} else {
			key = fmt.Sprint(keysAndValues[idx])
		}
		valueIdx := idx + 1
		if len(keysAndValues) > valueIdx {
			value := keysAndValues[valueIdx]
			if t, ok := value.(time.Time); ok {
				value = t.Format(time.RFC3339)
			}
			formattedArgs[key] = value
		}
	}
	return formattedArgs
}
