package handler

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
)

func pong(external netip.AddrPort) answer {
	return func(f *message.Factory, req message.Request) message.Response {
		return f.NewPingResponse(req, external, 42)
	}
}

func TestPingResolvesWithResponder(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := peer(kuid.Random())
	env.net.addPeer(a, pong(env.local.Addr))

	res, err := Ping(context.Background(), env.hc, TargetOf(a)).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, a.ID, res.Contact.ID)
	require.Equal(t, a.Addr, res.Contact.Addr)
	require.Equal(t, env.local.Addr, res.ExternalAddr)
	require.Equal(t, uint64(42), res.EstimatedSize)
}

func TestPingFirstValidPongWins(t *testing.T) {
	env := newTestEnv(t, testConfig())
	silent := peer(kuid.Random())
	a := peer(kuid.Random())
	env.net.addPeer(a, pong(env.local.Addr))

	res, err := Ping(context.Background(), env.hc, TargetOf(silent), TargetOf(a)).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, a.ID, res.Contact.ID)
}

func TestPingRetriesThenTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.PingMaxErrors = 2
	env := newTestEnv(t, cfg)
	silent := peer(kuid.Random())

	_, err := Ping(context.Background(), env.hc, TargetOf(silent)).Get(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 3, env.net.askedCount(silent.Addr))
}

func TestPingRejectsLocalID(t *testing.T) {
	env := newTestEnv(t, testConfig())
	impostor := peer(env.local.ID)
	env.net.addPeer(impostor, pong(env.local.Addr))

	_, err := Ping(context.Background(), env.hc, PingTarget{Addr: impostor.Addr}).Get(context.Background())
	require.ErrorIs(t, err, ErrBadResponse)
}

func TestPingRejectsReflectedAddress(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := peer(kuid.Random())
	env.net.addPeer(a, pong(a.Addr))

	_, err := Ping(context.Background(), env.hc, TargetOf(a)).Get(context.Background())
	require.ErrorIs(t, err, ErrBadResponse)
}

func TestPingNoTargets(t *testing.T) {
	env := newTestEnv(t, testConfig())

	_, err := Ping(context.Background(), env.hc).Get(context.Background())
	require.ErrorIs(t, err, ErrNoTargets)
}

func TestCollisionPing(t *testing.T) {
	env := newTestEnv(t, testConfig())

	t.Run("collision", func(t *testing.T) {
		impostor := peer(env.local.ID)
		env.net.addPeer(impostor, pong(env.local.Addr))

		res, err := CollisionPing(context.Background(), env.hc, TargetOf(impostor)).Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, env.local.ID, res.Contact.ID)
	})

	t.Run("no collision", func(t *testing.T) {
		other := peer(kuid.Random())
		env.net.addPeer(other, pong(env.local.Addr))

		_, err := CollisionPing(context.Background(), env.hc, PingTarget{Addr: other.Addr}).Get(context.Background())
		require.ErrorIs(t, err, ErrNoCollision)
	})

	t.Run("silent", func(t *testing.T) {
		_, err := CollisionPing(context.Background(), env.hc, PingTarget{Addr: peer(kuid.Random()).Addr}).Get(context.Background())
		require.ErrorIs(t, err, ErrNoCollision)
	})
}

func TestCollisionPingUsesForeignSender(t *testing.T) {
	env := newTestEnv(t, testConfig())
	var seen contact.Contact
	impostor := peer(env.local.ID)
	env.net.addPeer(impostor, func(f *message.Factory, req message.Request) message.Response {
		seen = req.Head().Sender
		return f.NewPingResponse(req, env.local.Addr, 1)
	})

	_, err := CollisionPing(context.Background(), env.hc, TargetOf(impostor)).Get(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, env.local.ID, seen.ID)
	require.True(t, seen.IsFirewalled())
}

func TestSecurityToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	a := peer(kuid.Random())
	env.net.addPeer(a, nodes())
	b := peer(kuid.Random())
	env.net.addPeer(b, func(f *message.Factory, req message.Request) message.Response {
		return f.NewFindNodeResponse(req, nil, nil)
	})

	tok, err := SecurityToken(context.Background(), env.hc, a, kuid.Random()).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "token", string(tok))

	_, err = SecurityToken(context.Background(), env.hc, b, kuid.Random()).Get(context.Background())
	require.ErrorIs(t, err, ErrNoSecurityToken)

	_, err = SecurityToken(context.Background(), env.hc, peer(kuid.Random()), kuid.Random()).Get(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}
