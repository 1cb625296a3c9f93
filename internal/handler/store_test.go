package handler

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
)

// accepts answers STORE with OK for every value and hands out a token on
// FIND_NODE.
func accepts(f *message.Factory, req message.Request) message.Response {
	switch r := req.(type) {
	case *message.FindNodeRequest:
		return f.NewFindNodeResponse(req, []byte("token"), nil)
	case *message.StoreRequest:
		statuses := make([]message.StoreStatus, len(r.Values))
		for i, v := range r.Values {
			statuses[i] = message.StoreStatus{Primary: v.PrimaryKey, Secondary: v.SecondaryKey, Code: message.StatusOK}
		}
		return f.NewStoreResponse(req, statuses)
	}
	return nil
}

func statusCodes(s StoreStatus) []message.StatusCode {
	out := make([]message.StatusCode, len(s.Statuses))
	for i, st := range s.Statuses {
		out[i] = st.Code
	}
	return out
}

func TestStoreReportsEveryContact(t *testing.T) {
	cfg := testConfig()
	cfg.K = 4
	env := newTestEnv(t, cfg)
	key := kuid.Random()

	var entries []Entry
	for i := 0; i < 3; i++ {
		c := peer(kuid.Random())
		env.net.addPeer(c, accepts)
		entries = append(entries, Entry{Contact: c, Token: []byte("token")})
	}
	silent := peer(kuid.Random())
	entries = append(entries, Entry{Contact: silent, Token: []byte("token")})

	v := textValue(key, env.local, "hello")
	res, err := Store(context.Background(), env.hc, entries, []database.ValueTuple{v}).Get(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Contacts, 4)
	require.Equal(t, 3, res.Stored())
	for _, s := range res.Contacts {
		want := message.StatusOK
		if s.Contact.ID == silent.ID {
			want = message.StatusError
		}
		require.Equal(t, []message.StatusCode{want}, statusCodes(s), "contact %s", s.Contact)
	}
}

func TestStoreLocallyWithoutRequest(t *testing.T) {
	env := newTestEnv(t, testConfig())
	key := kuid.Random()
	v := textValue(key, env.local, "hello")

	res, err := Store(context.Background(), env.hc, []Entry{{Contact: env.local}}, []database.ValueTuple{v}).Get(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Contacts, 1)
	require.True(t, res.Contacts[0].OK())
	require.Empty(t, env.net.sentOps())
	require.Len(t, env.db.Get(key), 1)
}

func TestStoreHarvestsMissingToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := peer(kuid.Random())
	env.net.addPeer(a, accepts)

	v := textValue(kuid.Random(), env.local, "hello")
	res, err := Store(context.Background(), env.hc, []Entry{{Contact: a}}, []database.ValueTuple{v}).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Stored())
	require.Equal(t, []message.OpCode{message.OpFindNodeRequest, message.OpStoreRequest}, env.net.sentOps())
}

func TestStoreSplitsLargeBatches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxValuesPerRequest = 2
	env := newTestEnv(t, cfg)
	a := peer(kuid.Random())
	env.net.addPeer(a, accepts)

	key := kuid.Random()
	var vs []database.ValueTuple
	for i := 0; i < 5; i++ {
		vs = append(vs, textValue(key, peer(kuid.Random()), "v"))
	}

	res, err := Store(context.Background(), env.hc, []Entry{{Contact: a, Token: []byte("token")}}, vs).Get(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Contacts[0].Statuses, 5)
	require.True(t, res.Contacts[0].OK())
	require.Equal(t, 3, env.net.askedCount(a.Addr))
}

func TestStoreRejectsMismatchedStatuses(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := peer(kuid.Random())
	env.net.addPeer(a, func(f *message.Factory, req message.Request) message.Response {
		// answers for a value nobody sent
		return f.NewStoreResponse(req, []message.StoreStatus{{Primary: kuid.Random(), Secondary: kuid.Random(), Code: message.StatusOK}})
	})

	v := textValue(kuid.Random(), env.local, "hello")
	res, err := Store(context.Background(), env.hc, []Entry{{Contact: a, Token: []byte("token")}}, []database.ValueTuple{v}).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, []message.StatusCode{message.StatusError}, statusCodes(res.Contacts[0]))
}

func TestStoreStopsAfterKConfirmations(t *testing.T) {
	cfg := testConfig()
	cfg.K = 2
	cfg.StoreParallelism = 1
	env := newTestEnv(t, cfg)

	var entries []Entry
	for i := 0; i < 5; i++ {
		c := peer(kuid.Random())
		env.net.addPeer(c, accepts)
		entries = append(entries, Entry{Contact: c, Token: []byte("token")})
	}

	v := textValue(kuid.Random(), env.local, "hello")
	res, err := Store(context.Background(), env.hc, entries, []database.ValueTuple{v}).Get(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Contacts, 2)
	require.Equal(t, 2, res.Stored())
}

func TestStoreBoundsParallelism(t *testing.T) {
	cfg := testConfig()
	cfg.StoreParallelism = 2
	env := newTestEnv(t, cfg)

	var served atomic.Int32
	var entries []Entry
	for i := 0; i < 6; i++ {
		c := peer(kuid.Random())
		env.net.addPeer(c, func(f *message.Factory, req message.Request) message.Response {
			served.Add(1)
			return accepts(f, req)
		})
		entries = append(entries, Entry{Contact: c, Token: []byte("token")})
	}

	v := textValue(kuid.Random(), env.local, "hello")
	res, err := Store(context.Background(), env.hc, entries, []database.ValueTuple{v}).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, res.Stored())
	require.Equal(t, int32(6), served.Load())
	require.LessOrEqual(t, env.net.maxInflight, 2)
}

func TestStoreStatusOK(t *testing.T) {
	require.False(t, StoreStatus{Contact: contact.Contact{}}.OK())
	require.True(t, StoreStatus{Statuses: []message.StoreStatus{{Code: message.StatusOK}}}.OK())
	require.False(t, StoreStatus{Statuses: []message.StoreStatus{{Code: message.StatusOK}, {Code: message.StatusError}}}.OK())
}
