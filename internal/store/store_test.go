package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/hipotd/internal/quality"
	"github.com/shaunagostinho/hipotd/internal/types"
)

func session(id string, at time.Time, pts ...types.DataPoint) types.TestSession {
	return types.TestSession{
		SessionID:   id,
		StartedAt:   at,
		Mode:        types.ModeIR,
		DeviceModel: "1905X",
		Samples:     pts,
		Verdict:     types.VerdictPass,
	}
}

func TestSaveGetList(t *testing.T) {
	st := New()
	t0 := time.Unix(100, 0)
	require.NoError(t, st.Save(session("b", t0.Add(time.Second), types.NewDataPoint(1, 10, 1e4))))
	require.NoError(t, st.Save(session("a", t0, types.NewDataPoint(1, 10, 1e4))))

	got, err := st.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1905X", got.DeviceModel)

	list := st.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].SessionID)
	assert.Equal(t, "b", list[1].SessionID)
}

func TestSaveRejectsEmpty(t *testing.T) {
	st := New()
	assert.Error(t, st.Save(session("x", time.Now())))
	assert.Error(t, st.Save(session("", time.Now(), types.NewDataPoint(0, 1, 1))))
	assert.Zero(t, st.Len())
}

func TestSaveCopiesSamples(t *testing.T) {
	st := New()
	pts := []types.DataPoint{types.NewDataPoint(0, 10, 1e4)}
	require.NoError(t, st.Save(session("a", time.Now(), pts...)))
	pts[0].Voltage = 99

	got, _ := st.Get("a")
	assert.Equal(t, 10.0, got.Samples[0].Voltage)
}

func TestRemoveAndClear(t *testing.T) {
	st := New()
	require.NoError(t, st.Save(session("a", time.Now(), types.NewDataPoint(0, 1, 1))))
	require.NoError(t, st.Save(session("b", time.Now(), types.NewDataPoint(0, 1, 1))))

	require.NoError(t, st.Remove("a"))
	assert.ErrorIs(t, st.Remove("a"), ErrNotFound)
	_, err := st.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)

	st.Clear()
	assert.Empty(t, st.List())
}

func TestSubscribe(t *testing.T) {
	st := New()
	var mu sync.Mutex
	var seen []string
	st.Subscribe(func(s types.TestSession) {
		mu.Lock()
		seen = append(seen, s.SessionID)
		mu.Unlock()
	})

	st.OnSessionCompleted(session("a", time.Now(), types.NewDataPoint(0, 1, 1)))
	st.OnSessionCompleted(session("empty", time.Now()))
	assert.Equal(t, []string{"a"}, seen)
}

func TestStatistics(t *testing.T) {
	st := New()
	require.NoError(t, st.Save(session("a", time.Now(),
		types.DataPoint{},
		types.DataPoint{Voltage: 10, Current: 0.001, Resistance: 1e4},
	)))

	counts, err := st.Statistics("a")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[quality.Dead])
	assert.Equal(t, 1, counts[quality.Valid])

	_, err = st.Statistics("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
