package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return New(&Env{})
}

func run(t *testing.T, e *Engine, line string) []any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := e.ExecuteForOutput(ctx, line)
	require.NoError(t, err)
	return out
}

func TestEchoEmitsLiteralText(t *testing.T) {
	e := testEngine(t)
	assert.Equal(t, []any{"hello"}, run(t, e, `echo hello`))
	assert.Equal(t, []any{"this is a string"}, run(t, e, `echo this is a string`))
}

func TestJSONArrayStreamsElements(t *testing.T) {
	e := testEngine(t)
	out := run(t, e, `json [1,2,3,4,5] | head 2`)
	require.Len(t, out, 2)
	assert.Equal(t, float64(1), out[0])
	assert.Equal(t, float64(2), out[1])

	out = run(t, e, `json [1,2,3,4,5] | tail 2`)
	require.Len(t, out, 2)
	assert.Equal(t, float64(4), out[0])
	assert.Equal(t, float64(5), out[1])
}

func TestHeadBoundaryBehavior(t *testing.T) {
	e := testEngine(t)

	// n >= len returns everything.
	out := run(t, e, `json [1,2,3] | head 10`)
	assert.Len(t, out, 3)

	// n <= 0 is treated as |n|, so 0 yields nothing and a negative count
	// yields that many from the front.
	out = run(t, e, `json [1,2,3] | head 0`)
	assert.Len(t, out, 0)

	out = run(t, e, `json [1,2,3] | head -2`)
	assert.Len(t, out, 2)
}

func TestUniqIsIdempotent(t *testing.T) {
	e := testEngine(t)
	once := run(t, e, `json [1,2,2,3,3,3] | uniq`)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, once)

	twice := run(t, e, `json [1,2,3] | uniq | uniq`)
	assert.Equal(t, once, twice)
}

func TestChunkFlattenRoundTrips(t *testing.T) {
	e := testEngine(t)
	out := run(t, e, `json [1,2,3,4,5] | chunk 2 | flatten`)
	assert.Equal(t, []any{float64(1), float64(2), float64(3), float64(4), float64(5)}, out)
}

func TestSortAscThenDescReverses(t *testing.T) {
	e := testEngine(t)
	asc := run(t, e, `json [{"id":"c"},{"id":"a"},{"id":"b"}] | sort id asc`)
	var ascIDs []any
	for _, v := range asc {
		m := v.(map[string]any)
		ascIDs = append(ascIDs, m["id"])
	}
	assert.Equal(t, []any{"a", "b", "c"}, ascIDs)

	desc := run(t, e, `json [{"id":"c"},{"id":"a"},{"id":"b"}] | sort id desc`)
	var descIDs []any
	for _, v := range desc {
		m := v.(map[string]any)
		descIDs = append(descIDs, m["id"])
	}
	assert.Equal(t, []any{"c", "b", "a"}, descIDs)
}

func TestSortRejectsInvalidDirection(t *testing.T) {
	e := testEngine(t)
	_, err := e.Compile(`json [1] | sort id sideways`)
	assert.Error(t, err)
}

func TestFormatMissingPathRendersNull(t *testing.T) {
	e := testEngine(t)
	out := run(t, e, `json {"name":"x"} | format {missing}`)
	require.Len(t, out, 1)
	assert.Equal(t, "null", out[0])
}

func TestListMutuallyExclusiveFlagsIsParseError(t *testing.T) {
	e := testEngine(t)
	_, err := e.Compile(`json [1] | list --csv --markdown`)
	assert.Error(t, err)
}

func TestLimitStartAndCount(t *testing.T) {
	e := testEngine(t)
	out := run(t, e, `json [0,1,2,3,4,5,6] | limit 2, 2`)
	assert.Equal(t, []any{float64(2), float64(3)}, out)
}

func TestSourceStageMustLeadPipeline(t *testing.T) {
	e := testEngine(t)
	_, err := e.Compile(`head 2 | echo hello`)
	assert.Error(t, err)
}

func TestSourceStageCannotFollowAnotherStage(t *testing.T) {
	e := testEngine(t)
	_, err := e.Compile(`echo hello | json [1]`)
	assert.Error(t, err)
}

func TestSinkStageMustBeLast(t *testing.T) {
	e := testEngine(t)
	// http is registered as a sink stage; putting something after it is
	// a compile-time position violation.
	_, err := e.Compile(`json {} | http POST http://example.invalid | uniq`)
	assert.Error(t, err)
}

func TestUnknownStageIsParseError(t *testing.T) {
	e := testEngine(t)
	_, err := e.Compile(`nonexistent_stage`)
	assert.Error(t, err)
}
