package netopt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/httptim/rednetd/internal/rederr"
)

func TestFirstUpdateShipsFullState(t *testing.T) {
	d := NewDeltaSync()
	state := ResourceState{"a": "1", "b": "2"}

	msgType, payload := d.Prepare("pages", state)
	require.Equal(t, "resource_full", msgType)

	full := payload.(FullPayload)
	require.Equal(t, "pages", full.Resource)
	require.Equal(t, Checksum(state), full.Checksum)
}

func TestSmallChangeShipsDelta(t *testing.T) {
	sender := NewDeltaSync()
	receiver := NewDeltaSync()

	base := ResourceState{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		base[k] = "value-for-" + k
	}
	_, payload := sender.Prepare("pages", base)
	_, err := receiver.ApplyFull(payload.(FullPayload))
	require.NoError(t, err)

	next := cloneState(base)
	next["a"] = "changed"
	delete(next, "b")
	next["z"] = "new"

	msgType, payload := sender.Prepare("pages", next)
	require.Equal(t, "delta", msgType)

	dp := payload.(DeltaPayload)
	require.Equal(t, map[string]any{"z": "new"}, dp.Delta.Added)
	require.Equal(t, map[string]any{"a": "changed"}, dp.Delta.Changed)
	require.Equal(t, []string{"b"}, dp.Delta.Removed)

	got, err := receiver.ApplyDelta(dp)
	require.NoError(t, err)
	require.Equal(t, Checksum(next), Checksum(got))
}

func TestDeltaWithoutBaseIsIntegrityError(t *testing.T) {
	receiver := NewDeltaSync()
	_, err := receiver.ApplyDelta(DeltaPayload{Resource: "pages", Checksum: "00"})
	require.Error(t, err)
	require.True(t, errors.Is(err, rederr.ErrIntegrity))
}

func TestDeltaChecksumMismatch(t *testing.T) {
	receiver := NewDeltaSync()
	_, err := receiver.ApplyFull(FullPayload{
		Resource: "pages",
		State:    ResourceState{"a": "1"},
		Checksum: Checksum(ResourceState{"a": "1"}),
	})
	require.NoError(t, err)

	_, err = receiver.ApplyDelta(DeltaPayload{
		Resource: "pages",
		Delta:    Delta{Changed: map[string]any{"a": "2"}},
		Checksum: "deadbeefdeadbeef",
	})
	require.True(t, errors.Is(err, rederr.ErrIntegrity))
}

func TestForgetForcesFullState(t *testing.T) {
	d := NewDeltaSync()
	state := ResourceState{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		state[k] = "value-for-" + k
	}
	d.Prepare("pages", state)

	d.Forget("pages")
	next := cloneState(state)
	next["a"] = "changed"
	msgType, _ := d.Prepare("pages", next)
	require.Equal(t, "resource_full", msgType)
}

func TestChecksumDeterministic(t *testing.T) {
	a := ResourceState{"x": 1, "y": "two", "z": true}
	b := ResourceState{"z": true, "y": "two", "x": 1}
	require.Equal(t, Checksum(a), Checksum(b))
	require.NotEqual(t, Checksum(a), Checksum(ResourceState{"x": 2, "y": "two", "z": true}))
}
