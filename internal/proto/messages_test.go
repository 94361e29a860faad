package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip encodes msg, decodes the body back, and asserts the decoded
// value matches — the round-trip law from spec.md §8.
func roundTrip[T Message](t *testing.T, msg T) T {
	t.Helper()
	wire := Encode(msg)
	require.Greater(t, len(wire), sizePrefixWidth)

	size := int(wire[7]) // low byte is enough for these small test payloads
	for i := 0; i < sizePrefixWidth-1; i++ {
		require.Equal(t, byte(0), wire[i], "size prefix should fit in one byte for test payloads")
	}
	body := wire[sizePrefixWidth : sizePrefixWidth+size]

	got, err := DecodeAs[T](body)
	require.NoError(t, err)
	return got
}

func TestRoundTrip_ClientIDResponse(t *testing.T) {
	got := roundTrip(t, ClientIDResponse{Client: ClientID{ID: 4, Nonce: 2}})
	assert.Equal(t, uint64(4), got.Client.ID)
	assert.Equal(t, uint64(2), got.Client.Nonce)
}

func TestRoundTrip_ConnectionNotification(t *testing.T) {
	got := roundTrip(t, ConnectionNotification{Accepted: true})
	assert.True(t, got.Accepted)

	got = roundTrip(t, ConnectionNotification{Accepted: false, Reason: "no room"})
	assert.False(t, got.Accepted)
	assert.Equal(t, "no room", got.Reason)
}

func TestRoundTrip_MakeSessionRequest(t *testing.T) {
	req := MakeSessionRequest{
		Name: "t",
		Spawn: SpawnOptions{
			Program:  "/bin/echo",
			Args:     []string{"hi", "<there>"},
			EnvSet:   [][2]string{{"FOO", "bar&baz"}},
			EnvUnset: []string{"PATH"},
		},
	}
	got := roundTrip(t, req)
	assert.Equal(t, "t", got.Name)
	assert.Equal(t, "/bin/echo", got.Spawn.Program)
	assert.Equal(t, []string{"hi", "<there>"}, got.Spawn.Args)
	assert.Equal(t, [][2]string{{"FOO", "bar&baz"}}, got.Spawn.EnvSet)
	assert.Equal(t, []string{"PATH"}, got.Spawn.EnvUnset)
}

func TestRoundTrip_SessionListResponse(t *testing.T) {
	got := roundTrip(t, SessionListResponse{Sessions: []SessionInfo{
		{Name: "a", CreatedAt: 100, PID: 5, Attached: 1},
		{Name: "b", CreatedAt: 200, PID: 6, Attached: 0},
	}})
	require.Len(t, got.Sessions, 2)
	assert.Equal(t, "a", got.Sessions[0].Name)
	assert.Equal(t, "b", got.Sessions[1].Name)
}

func TestRoundTrip_DetachedNotification(t *testing.T) {
	got := roundTrip(t, DetachedNotification{Reason: ReasonExit, ExitCode: 7})
	assert.Equal(t, ReasonExit, got.Reason)
	assert.Equal(t, 7, got.ExitCode)

	got = roundTrip(t, DetachedNotification{Reason: ReasonKicked, KickReason: "already attached"})
	assert.Equal(t, ReasonKicked, got.Reason)
	assert.Equal(t, "already attached", got.KickReason)
}

func TestRoundTrip_EmptyMessages(t *testing.T) {
	roundTrip(t, ClientIDRequest{})
	roundTrip(t, SessionListRequest{})
	roundTrip(t, DetachResponse{})
	roundTrip(t, StatisticsRequest{})
}

func TestDecodeAs_KindMismatch(t *testing.T) {
	wire := Encode(ClientIDRequest{})
	body := wire[sizePrefixWidth:]
	_, err := DecodeAs[AttachRequest](body)
	assert.Error(t, err)
}

func TestFrameReader_PartialFeed(t *testing.T) {
	wire := Encode(DetachRequest{Mode: DetachAll})

	var fr FrameReader
	_, ok, err := fr.Next()
	require.NoError(t, err)
	require.False(t, ok)

	fr.Feed(wire[:5])
	_, ok, err = fr.Next()
	require.NoError(t, err)
	require.False(t, ok, "frame is incomplete, Next should not return it yet")

	fr.Feed(wire[5:])
	body, ok, err := fr.Next()
	require.NoError(t, err)
	require.True(t, ok)

	got, err := DecodeAs[DetachRequest](body)
	require.NoError(t, err)
	assert.Equal(t, DetachAll, got.Mode)

	_, ok, err = fr.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFrameReader_MultipleFramesInOneFeed(t *testing.T) {
	a := Encode(SignalRequest{SigNum: 2})
	b := Encode(RedrawNotification{Rows: 24, Cols: 80})

	var fr FrameReader
	fr.Feed(append(append([]byte{}, a...), b...))

	body1, ok, err := fr.Next()
	require.NoError(t, err)
	require.True(t, ok)
	got1, err := DecodeAs[SignalRequest](body1)
	require.NoError(t, err)
	assert.Equal(t, 2, got1.SigNum)

	body2, ok, err := fr.Next()
	require.NoError(t, err)
	require.True(t, ok)
	got2, err := DecodeAs[RedrawNotification](body2)
	require.NoError(t, err)
	assert.Equal(t, uint16(24), got2.Rows)
	assert.Equal(t, uint16(80), got2.Cols)
}
