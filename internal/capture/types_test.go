package capture

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDedupeRecords(t *testing.T) {
	t.Parallel()

	records := []AdRecord{
		{PID: "p1", UID: "u1", WebsiteURL: "https://a.example"},
		{PID: "p1", UID: "u2", WebsiteURL: "https://b.example"},
		{PID: "p1", UID: "u1", WebsiteURL: "https://a.example/dup"},
		{PID: "p2", UID: "u1", WebsiteURL: "https://c.example"},
	}
	out := DedupeRecords(records)
	require.Len(t, out, 3)
	require.Equal(t, "https://a.example", out[0].WebsiteURL, "first occurrence wins")
	require.Equal(t, "p1/u2", out[1].Key())
	require.Equal(t, "p2/u1", out[2].Key())
}

func TestDeviceTypeMobile(t *testing.T) {
	t.Parallel()

	require.True(t, DeviceAndroid.Mobile())
	require.True(t, DeviceIOS.Mobile())
	require.False(t, DeviceDesktop.Mobile())
}

func TestBroadcastResultUnavailable(t *testing.T) {
	t.Parallel()

	require.True(t, BroadcastResult{}.Unavailable(), "no connections")
	require.True(t, BroadcastResult{
		Sent:    2,
		Results: []BridgeResult{{Success: false}, {Success: false, Error: "render failed"}},
	}.Unavailable(), "all renderers failed")
	require.False(t, BroadcastResult{
		Sent:    2,
		Results: []BridgeResult{{Success: false}, {Success: true}},
	}.Unavailable())
}

func TestBroadcastResultFirstPayload(t *testing.T) {
	t.Parallel()

	res := BroadcastResult{
		Sent: 3,
		Results: []BridgeResult{
			{Success: false, Payload: []byte("ignored")},
			{Success: true},
			{Success: true, Payload: []byte("img")},
		},
	}
	payload, ok := res.FirstPayload()
	require.True(t, ok)
	require.Equal(t, []byte("img"), payload)

	_, ok = BroadcastResult{}.FirstPayload()
	require.False(t, ok)
}
