package core

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/handler"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
)

var ErrNoBootstrapNodes = errors.New("no bootstrap node answered")

// BootstrapAddrs parses dht_bootstrap_nodes.
func BootstrapAddrs(values []string) ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	for _, v := range values {
		addr, err := netip.ParseAddrPort(v)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap node %q: %w", v, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Bootstrap joins the DHT: it pings addrs (and previously known contacts)
// until one answers, looks up the local id, checks for an id collision and
// refreshes every bucket.
func (n *Node) Bootstrap(ctx context.Context, addrs ...netip.AddrPort) error {
	timeout := n.config.GetConfigDuration("dht_bootstrap_timeout", 30*time.Second)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n.inbound.SetBootstrapping(true)
	n.logger.Info(fmt.Sprintf("Bootstrapping from %d addresses", len(addrs)), "core")

	targets := make([]handler.PingTarget, 0, len(addrs))
	for _, a := range addrs {
		targets = append(targets, handler.PingTarget{Addr: a})
	}
	for _, c := range n.knownContacts() {
		targets = append(targets, handler.TargetOf(c))
	}
	if len(targets) == 0 {
		return ErrNoBootstrapNodes
	}

	pong, err := n.pingWithRetry(ctx, targets)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoBootstrapNodes, err)
	}
	n.onContact(pong.Contact, pong.RTT)
	n.learnExternalAddr(pong.ExternalAddr)

	res, err := n.selfLookup(ctx)
	if err != nil {
		return fmt.Errorf("failed to look up own id: %w", err)
	}

	if len(res.Collisions) > 0 && n.config.GetConfigBool("dht_collision_check", true) {
		if n.checkCollision(ctx, res.Collisions) {
			if res, err = n.selfLookup(ctx); err != nil {
				return fmt.Errorf("failed to look up new id: %w", err)
			}
		}
	}
	n.updateSizeEstimate(res.State)

	n.inbound.SetBootstrapping(false)
	n.refreshBuckets(ctx, 0)
	n.inbound.SetAccurate(true)
	n.bootstrapped.Store(true)

	n.logger.Info(fmt.Sprintf("Bootstrapped: %d contacts, estimated DHT size %d", n.routes.Size(), n.EstimatedSize()), "core")
	return nil
}

func (n *Node) pingWithRetry(ctx context.Context, targets []handler.PingTarget) (handler.PingResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	retries := uint64(n.config.GetConfigInt("dht_bootstrap_max_retries", 5, 0, 100))

	var pong handler.PingResult
	err := backoff.Retry(backoff.Operation(func() error {
		var err error
		pong, err = handler.Ping(ctx, n.hc, targets...).Get(ctx)
		if errors.Is(err, handler.ErrCancelled) {
			return backoff.Permanent(err)
		}
		if err != nil {
			n.logger.Debug(fmt.Sprintf("Bootstrap ping failed: %v", err), "core")
		}
		return err
	}), backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
	return pong, err
}

func (n *Node) knownContacts() []contact.Contact {
	if !n.persistRoutes || n.sqlite == nil {
		return nil
	}
	known, err := n.sqlite.Contacts.Recent(n.hc.Config.K)
	if err != nil {
		n.logger.Warn(fmt.Sprintf("Failed to load known contacts: %v", err), "core")
		return nil
	}
	return known
}

func (n *Node) selfLookup(ctx context.Context) (handler.NodeResult, error) {
	return handler.FindNode(ctx, n.hc, n.routes.LocalNode().ID).Get(ctx)
}

// checkCollision pings the nodes reported with our id. When one of them
// really uses it, the local node takes a new random id.
func (n *Node) checkCollision(ctx context.Context, suspects []contact.Contact) bool {
	targets := make([]handler.PingTarget, len(suspects))
	for i, c := range suspects {
		targets[i] = handler.PingTarget{Addr: c.Addr}
	}
	res, err := handler.CollisionPing(ctx, n.hc, targets...).Get(ctx)
	if err != nil {
		if !errors.Is(err, handler.ErrNoCollision) {
			n.logger.Debug(fmt.Sprintf("Collision check failed: %v", err), "core")
		}
		return false
	}

	local := n.routes.LocalNode()
	n.logger.Warn(fmt.Sprintf("Node %s at %s uses our id, switching to a new one", local.ID.Short(), res.Contact.Addr), "core")
	local.ID = kuid.Random()
	n.routes.SetLocalNode(local)
	return true
}

// BootstrapAlone marks the node as the first node of a new DHT.
func (n *Node) BootstrapAlone() {
	n.inbound.SetBootstrapping(false)
	n.inbound.SetAccurate(true)
	n.sizeEstimate.Store(1)
	n.bootstrapped.Store(true)
	n.logger.Info("No bootstrap nodes, starting a new DHT", "core")
}
