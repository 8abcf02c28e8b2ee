package swarm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterNodesRetriesUntilReachable(t *testing.T) {
	late := &fakeNode{id: "late"}
	var dials atomic.Int32
	dial := func(context.Context, string) (NodeClient, error) {
		if dials.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return late, nil
	}
	m := NewManager(testConfig(), dial)
	defer m.Close()

	err := m.RegisterNodes(context.Background(), []config.NodeEntry{{ID: "late", Address: "late", Agents: []string{"w"}}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, dials.Load())
	_, ok := m.Node("late")
	assert.True(t, ok)
}

func TestRegisterNodesDoesNotRetryRefusal(t *testing.T) {
	nodes := fakeSwarm{
		"imposter": {id: "imposter", echoID: "someone-else"},
		"good":     {id: "good"},
	}
	m := newTestManager(t, nodes, nil)

	err := m.RegisterNodes(context.Background(), []config.NodeEntry{
		{ID: "imposter", Address: "imposter", Agents: []string{"w"}},
		{ID: "good", Address: "good", Agents: []string{"w"}},
	})
	require.ErrorIs(t, err, ErrRegistrationRejected)
	require.Len(t, m.Nodes(), 1)
	assert.Equal(t, "good", m.Nodes()[0].ID)
}

func TestRegisterNodesStopsWithContext(t *testing.T) {
	m := newTestManager(t, fakeSwarm{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := m.RegisterNodes(ctx, []config.NodeEntry{{ID: "gone", Address: "gone", Agents: []string{"w"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node gone")
	assert.Empty(t, m.Nodes())
}

func TestApplyNodes(t *testing.T) {
	nodes := fakeSwarm{"a": {id: "a"}, "b": {id: "b"}, "c": {id: "c"}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "w")
	register(t, m, "b", "w")

	err := m.ApplyNodes(context.Background(), config.ConfigDiff{
		NodesRemoved: []string{"a", "unknown"},
		NodesAdded:   []config.NodeEntry{{ID: "c", Address: "c", Agents: []string{"w"}}},
		NodesChanged: []config.NodeEntry{{ID: "b", Address: "b", Agents: []string{"w", "x"}}},
	})
	require.NoError(t, err)

	got := m.Nodes()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, []string{"w", "x"}, got[0].Agents)
	assert.Equal(t, "c", got[1].ID)

	_, _, closed := nodes["a"].snapshot()
	assert.True(t, closed)
}
