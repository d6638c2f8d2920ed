package sim

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, in *Instrument) string {
	t.Helper()
	buf := make([]byte, 256)
	n, err := in.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestScriptedRepliesThenSticky(t *testing.T) {
	in := New().Script("SAFE:RES:LAST?", "65").Respond("SAFE:RES:LAST?", "116")

	_, err := in.Write([]byte("SAFE:RES:LAST?\n"))
	require.NoError(t, err)
	assert.Equal(t, "65\n", read(t, in))

	_, err = in.Write([]byte("SAFE:RES:LAST?\n"))
	require.NoError(t, err)
	assert.Equal(t, "116\n", read(t, in))
}

func TestCommandsProduceNoReply(t *testing.T) {
	in := New().Respond("SAFE:START", "ignored")

	_, err := in.Write([]byte("SAFE:START\n"))
	require.NoError(t, err)
	n, err := in.Read(make([]byte, 8))
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"SAFE:START"}, in.Received())
}

func TestWriteSplitAcrossCalls(t *testing.T) {
	in := New().Respond("*IDN?", "Chroma")

	_, _ = in.Write([]byte("*ID"))
	assert.Empty(t, in.Received())
	_, _ = in.Write([]byte("N?\r\n"))
	assert.Equal(t, []string{"*IDN?"}, in.Received())
	assert.Equal(t, "Chroma\n", read(t, in))
}

func TestQueryWithArguments(t *testing.T) {
	assert.True(t, isQuery("SAFE:FETC? OMET,MMET,TLEF"))
	assert.False(t, isQuery("SAFE:STEP1:IR 500"))
}

func TestDemoCountsDownAndJudges(t *testing.T) {
	now := time.Unix(1000, 0)
	d := NewDemo(";", 10*time.Second, WithClock(func() time.Time { return now }), WithJudgement("65"))

	_, _ = d.Write([]byte("SAFE:START\n"))
	assert.True(t, d.Running())

	now = now.Add(4 * time.Second)
	_, _ = d.Write([]byte("SAFE:FETC? OMET,MMET,TLEF\n"))
	fields := strings.Split(strings.TrimSpace(read(t, d.Instrument)), ";")
	require.Len(t, fields, 3)
	assert.Equal(t, "6.0", fields[2])

	_, _ = d.Write([]byte("SAFE:RES:LAST?\n"))
	assert.Equal(t, "65\n", read(t, d.Instrument))

	_, _ = d.Write([]byte("SAFE:STOP\n"))
	assert.False(t, d.Running())
}

func TestDemoSentinelWhenFinished(t *testing.T) {
	now := time.Unix(1000, 0)
	d := NewDemo(",", time.Second, WithClock(func() time.Time { return now }), WithSentinel())

	_, _ = d.Write([]byte("SOURce:SAFEty:START\n"))
	now = now.Add(2 * time.Second)
	_, _ = d.Write([]byte("SAF:FETC? OMET,MMET,TLEA\n"))
	fields := strings.Split(strings.TrimSpace(read(t, d.Instrument)), ",")
	require.Len(t, fields, 3)
	assert.Equal(t, SentinelReply, fields[2])
}
