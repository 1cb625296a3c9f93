package core

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/handler"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
)

// Ping pings addr and, on success, learns the address the peer saw.
func (n *Node) Ping(ctx context.Context, addr netip.AddrPort) (handler.PingResult, error) {
	res, err := handler.Ping(ctx, n.hc, handler.PingTarget{Addr: addr}).Get(ctx)
	if err != nil {
		return res, err
	}
	n.learnExternalAddr(res.ExternalAddr)
	return res, nil
}

func (n *Node) FindNode(ctx context.Context, key kuid.KUID) (handler.NodeResult, error) {
	return handler.FindNode(ctx, n.hc, key).Get(ctx)
}

// Get returns the newest version of every value stored under key. Values
// held locally are included.
func (n *Node) Get(ctx context.Context, key kuid.KUID, vt database.ValueType) ([]database.ValueTuple, error) {
	found := make(map[database.Identity]database.ValueTuple)
	keep := func(vs []database.ValueTuple) {
		for _, v := range vs {
			if !vt.Matches(v.Type) || v.IsRemove() {
				continue
			}
			if old, ok := found[v.Identity()]; !ok || v.Version > old.Version {
				found[v.Identity()] = v
			}
		}
	}
	keep(n.values.Get(key))

	res, err := handler.FindValue(ctx, n.hc, key, vt).Get(ctx)
	if err != nil && !errors.Is(err, handler.ErrNotFound) {
		return nil, err
	}
	for _, e := range res.Entities {
		keep(e.Values)
		if len(e.Values) > 0 || len(e.SecondaryKeys) == 0 {
			continue
		}
		more, err := handler.GetValue(ctx, n.hc, e.Sender, key, e.SecondaryKeys, vt).Get(ctx)
		if err != nil {
			n.logger.Debug(fmt.Sprintf("Failed to fetch values for %s from %s: %v", key.Short(), e.Sender, err), "core")
			continue
		}
		keep(more.Values)
	}

	if len(found) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, &handler.NoSuchValueError{State: res.State}
	}
	out := make([]database.ValueTuple, 0, len(found))
	for _, v := range found {
		out = append(out, v)
	}
	sortValues(out)
	return out, nil
}

// Put stores payload under key on the K nodes closest to it. The local
// node keeps the original and republishes it.
func (n *Node) Put(ctx context.Context, key kuid.KUID, vt database.ValueType, payload []byte) (handler.StoreResult, error) {
	local := n.routes.LocalNode()
	v := database.ValueTuple{
		PrimaryKey:   key,
		SecondaryKey: local.ID,
		Type:         vt,
		Version:      1,
		Payload:      payload,
		Creator:      local,
		CreationTime: time.Now(),
		LocalOrigin:  true,
	}
	for _, old := range n.values.Get(key) {
		if old.SecondaryKey == local.ID && old.Version >= v.Version {
			v.Version = old.Version + 1
		}
	}
	if !database.Apply(n.values, v) {
		return handler.StoreResult{}, fmt.Errorf("local database rejected %s", v)
	}
	return n.publish(ctx, key, []database.ValueTuple{v})
}

// Remove publishes an empty payload, which deletes the value everywhere.
func (n *Node) Remove(ctx context.Context, key kuid.KUID) (handler.StoreResult, error) {
	return n.Put(ctx, key, database.ValueTypeBinary, nil)
}

// publish stores values on the nodes nearest key.
func (n *Node) publish(ctx context.Context, key kuid.KUID, values []database.ValueTuple) (handler.StoreResult, error) {
	res, err := handler.FindNode(ctx, n.hc, key).Get(ctx)
	if err != nil {
		return handler.StoreResult{}, fmt.Errorf("failed to find nodes for %s: %w", key.Short(), err)
	}
	return handler.Store(ctx, n.hc, res.Nearest, values).Get(ctx)
}
