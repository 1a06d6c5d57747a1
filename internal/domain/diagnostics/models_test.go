package diagnostics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lloydmeta/echo/internal/domain/keys"
)

func TestMulti(t *testing.T) {
	pair, err := keys.Generate()
	require.NoError(t, err)
	first := &MockReporter{}
	second := &MockReporter{}
	now := time.Now().UTC()
	ev := NewEvent(pair.Public, UNADMITTED, pair.Public, 3, errors.New("not admitted"), now)

	Multi(first, NoopReporter{}, second).Report(context.Background(), ev)

	assert.EqualValues(t, []Event{ev}, first.Events())
	assert.EqualValues(t, []Event{ev}, second.Events())
	assert.EqualValues(t, "not admitted", ev.Reason)
	assert.EqualValues(t, now.UnixMilli(), int64(ev.ID.Time()))
}
