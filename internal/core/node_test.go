package core

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/handler"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/p2p"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

func testValues() map[string]string {
	return map[string]string{
		"dht_database":               "memory",
		"dht_persist_contacts":       "false",
		"dht_request_timeout":        "200ms",
		"dht_min_request_timeout":    "50ms",
		"dht_lookup_boost_frequency": "50ms",
		"dht_bootstrap_timeout":      "5s",
		"dht_bootstrap_max_retries":  "1",
		"dht_callback_workers":       "4",
	}
}

func newTestNode(t *testing.T, network *p2p.MemoryNetwork, i int) *Node {
	t.Helper()

	cm := utils.NewConfigManagerFromMap(testValues())
	logger := utils.NewLogsManagerForWriter(io.Discard, "error")
	addr := netip.MustParseAddrPort(fmt.Sprintf("10.3.0.%d:4000", i+1))

	n, err := NewNodeWithTransport(cm, logger, network.NewTransport(addr), nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { n.Stop() })
	return n
}

// newTestNetwork starts size nodes; the first one founds the DHT and the
// others join through it one after the other.
func newTestNetwork(t *testing.T, size int) []*Node {
	t.Helper()

	network := p2p.NewMemoryNetwork()
	nodes := make([]*Node, size)
	for i := range nodes {
		nodes[i] = newTestNode(t, network, i)
	}
	nodes[0].BootstrapAlone()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, n := range nodes[1:] {
		require.NoError(t, n.Bootstrap(ctx, nodes[0].LocalNode().Addr))
	}
	return nodes
}

func TestStartStop(t *testing.T) {
	n := newTestNode(t, p2p.NewMemoryNetwork(), 0)
	assert.Error(t, n.Start(), "second start")
	assert.Equal(t, netip.MustParseAddrPort("10.3.0.1:4000"), n.LocalNode().Addr)
	assert.NoError(t, n.Stop())
	assert.NoError(t, n.Stop(), "stop is idempotent")
}

func TestStopWaitsForBackgroundWork(t *testing.T) {
	n := newTestNode(t, p2p.NewMemoryNetwork(), 0)

	release := make(chan struct{})
	var finished atomic.Bool
	require.True(t, n.goBackground(func() {
		<-release
		finished.Store(true)
	}))
	time.AfterFunc(20*time.Millisecond, func() { close(release) })

	require.NoError(t, n.Stop())
	assert.True(t, finished.Load(), "stop returned before background work")
	assert.False(t, n.goBackground(func() { assert.Fail(t, "ran after stop") }))
}

func TestBootstrapJoinsNetwork(t *testing.T) {
	nodes := newTestNetwork(t, 5)

	for i, n := range nodes {
		assert.True(t, n.IsBootstrapped(), "node %d", i)
		assert.GreaterOrEqual(t, n.Routes().Size(), 1, "node %d", i)
		assert.NotZero(t, n.EstimatedSize(), "node %d", i)
	}
	// the founder learned about every joiner
	assert.Equal(t, len(nodes)-1, nodes[0].Routes().Size())
}

func TestBootstrapWithoutNodes(t *testing.T) {
	n := newTestNode(t, p2p.NewMemoryNetwork(), 0)
	err := n.Bootstrap(context.Background())
	require.ErrorIs(t, err, ErrNoBootstrapNodes)
	assert.False(t, n.IsBootstrapped())
}

func TestBootstrapUnreachable(t *testing.T) {
	n := newTestNode(t, p2p.NewMemoryNetwork(), 0)
	err := n.Bootstrap(context.Background(), netip.MustParseAddrPort("10.3.9.9:4000"))
	require.ErrorIs(t, err, ErrNoBootstrapNodes)
}

func TestPing(t *testing.T) {
	nodes := newTestNetwork(t, 2)

	res, err := nodes[1].Ping(context.Background(), nodes[0].LocalNode().Addr)
	require.NoError(t, err)
	assert.Equal(t, nodes[0].LocalNode().ID, res.Contact.ID)
	assert.Equal(t, nodes[1].LocalNode().Addr, res.ExternalAddr)
}

func TestFindNode(t *testing.T) {
	nodes := newTestNetwork(t, 6)

	target := nodes[5].LocalNode().ID
	res, err := nodes[1].FindNode(context.Background(), target)
	require.NoError(t, err)
	require.NotEmpty(t, res.Nearest)
	assert.Equal(t, target, res.Nearest[0].Contact.ID)
}

func TestPutGet(t *testing.T) {
	nodes := newTestNetwork(t, 5)
	ctx := context.Background()
	key := kuid.ForKey("greeting")

	stored, err := nodes[1].Put(ctx, key, database.ValueTypeText, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, len(nodes), stored.Stored())

	got, err := nodes[4].Get(ctx, key, database.ValueTypeAny)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", string(got[0].Payload))
	assert.Equal(t, nodes[1].LocalNode().ID, got[0].Creator.ID)
	assert.Equal(t, 1, got[0].Version)
}

func TestPutBumpsVersion(t *testing.T) {
	nodes := newTestNetwork(t, 3)
	ctx := context.Background()
	key := kuid.ForKey("counter")

	_, err := nodes[1].Put(ctx, key, database.ValueTypeText, []byte("one"))
	require.NoError(t, err)
	_, err = nodes[1].Put(ctx, key, database.ValueTypeText, []byte("two"))
	require.NoError(t, err)

	got, err := nodes[2].Get(ctx, key, database.ValueTypeText)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "two", string(got[0].Payload))
	assert.Equal(t, 2, got[0].Version)
}

func TestGetCollectsValuesFromSeveralCreators(t *testing.T) {
	nodes := newTestNetwork(t, 4)
	ctx := context.Background()
	key := kuid.ForKey("shared")

	for _, n := range nodes[1:3] {
		_, err := n.Put(ctx, key, database.ValueTypeText, []byte(n.LocalNode().ID.Short()))
		require.NoError(t, err)
	}

	got, err := nodes[3].Get(ctx, key, database.ValueTypeAny)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRemove(t *testing.T) {
	nodes := newTestNetwork(t, 3)
	ctx := context.Background()
	key := kuid.ForKey("ephemeral")

	_, err := nodes[1].Put(ctx, key, database.ValueTypeBinary, []byte{1, 2, 3})
	require.NoError(t, err)
	removed, err := nodes[1].Remove(ctx, key)
	require.NoError(t, err)
	// the local node deletes before publishing and still reports success
	assert.Equal(t, len(nodes), removed.Stored())

	_, err = nodes[2].Get(ctx, key, database.ValueTypeAny)
	require.ErrorIs(t, err, handler.ErrNotFound)
	assert.Zero(t, nodes[1].Database().Size())
}

func TestGetMissing(t *testing.T) {
	nodes := newTestNetwork(t, 3)
	_, err := nodes[2].Get(context.Background(), kuid.ForKey("nothing"), database.ValueTypeAny)
	require.ErrorIs(t, err, handler.ErrNotFound)
}

func TestRepublishRestoresLostValues(t *testing.T) {
	nodes := newTestNetwork(t, 3)
	ctx := context.Background()
	key := kuid.ForKey("durable")

	_, err := nodes[1].Put(ctx, key, database.ValueTypeText, []byte("kept"))
	require.NoError(t, err)
	// drop the replica held by another node
	nodes[2].Database().Store(database.ValueTuple{PrimaryKey: key, SecondaryKey: nodes[1].LocalNode().ID, Version: 1})
	require.Zero(t, nodes[2].Database().Size())

	nodes[1].republish(ctx)
	assert.Equal(t, 1, nodes[2].Database().Size())
}

func TestUpdateSizeEstimate(t *testing.T) {
	n := newTestNode(t, p2p.NewMemoryNetwork(), 0)
	local := n.LocalNode().ID

	// two nodes, the farther one in the bucket sharing 2 bits with us: a
	// neighbourhood of 2^158 holding 2 nodes
	var st handler.State
	for _, prefix := range []int{3, 2} {
		c := n.LocalNode()
		c.ID = kuid.RandomWithPrefix(local, prefix)
		st.Nearest = append(st.Nearest, handler.Entry{Contact: c})
	}
	n.updateSizeEstimate(st)
	assert.GreaterOrEqual(t, n.EstimatedSize(), uint64(9))
	assert.LessOrEqual(t, n.EstimatedSize(), uint64(17))
}

func TestStats(t *testing.T) {
	nodes := newTestNetwork(t, 2)
	stats := nodes[1].Stats()

	assert.Equal(t, nodes[1].LocalNode().ID.String(), stats["node_id"])
	assert.Equal(t, true, stats["bootstrapped"])
	assert.Equal(t, 1, stats["routing.size"])
	assert.Contains(t, stats, "dispatch.sent")
}
