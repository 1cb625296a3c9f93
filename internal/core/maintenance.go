package core

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/handler"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/routing"
	"github.com/Trustflow-Network-Labs/dht-node/internal/security"
)

func sortValues(vs []database.ValueTuple) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].PrimaryKey != vs[j].PrimaryKey {
			return kuid.Closer(kuid.KUID{}, vs[i].PrimaryKey, vs[j].PrimaryKey)
		}
		return kuid.Closer(kuid.KUID{}, vs[i].SecondaryKey, vs[j].SecondaryKey)
	})
}

func (n *Node) periodicRepublish() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.GetConfigDuration("dht_republish_interval", 30*time.Minute))
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.bootstrapped.Load() {
				n.republish(n.ctx)
			}
		}
	}
}

// republish stores every locally originated value again, one key per
// semaphore slot.
func (n *Node) republish(ctx context.Context) {
	byKey := make(map[kuid.KUID][]database.ValueTuple)
	for _, v := range n.values.Values() {
		if v.LocalOrigin {
			byKey[v.PrimaryKey] = append(byKey[v.PrimaryKey], v)
		}
	}
	if len(byKey) == 0 {
		return
	}
	n.logger.Info(fmt.Sprintf("Republishing %d keys", len(byKey)), "core")

	done := make(chan struct{}, len(byKey))
	for key, values := range byKey {
		if err := n.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(key kuid.KUID, values []database.ValueTuple) {
			defer func() { done <- struct{}{} }()
			defer n.sem.Release(1)

			res, err := n.publish(ctx, key, values)
			if err != nil {
				n.logger.Warn(fmt.Sprintf("Failed to republish %s: %v", key.Short(), err), "core")
				return
			}
			n.logger.Debug(fmt.Sprintf("Republished %s to %d nodes", key.Short(), res.Stored()), "core")
		}(key, values)
	}
	for range byKey {
		<-done
	}
}

func (n *Node) periodicRefresh() {
	defer n.wg.Done()
	every := n.config.GetConfigDuration("dht_bucket_refresh_interval", 30*time.Minute)
	ticker := time.NewTicker(every / 4)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.bootstrapped.Load() {
				n.refreshBuckets(n.ctx, every)
			}
		}
	}
}

// refreshBuckets looks up a random id inside every bucket not touched for
// age. An age of 0 refreshes all non-empty buckets.
func (n *Node) refreshBuckets(ctx context.Context, age time.Duration) {
	local := n.routes.LocalNode().ID
	stale := n.routes.StaleBuckets(age)
	for _, prefix := range stale {
		key := kuid.RandomWithPrefix(local, prefix)
		if _, err := handler.FindNode(ctx, n.hc, key).Get(ctx); err != nil {
			n.logger.Debug(fmt.Sprintf("Refresh of bucket %d failed: %v", prefix, err), "core")
		}
		n.routes.Touch(prefix)
		if ctx.Err() != nil {
			return
		}
	}
	if len(stale) > 0 {
		n.logger.Debug(fmt.Sprintf("Refreshed %d buckets", len(stale)), "core")
	}
}

func (n *Node) periodicExpire() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.GetConfigDuration("dht_expire_interval", 5*time.Minute))
	defer ticker.Stop()
	lifetime := n.config.GetConfigDuration("dht_value_expiration", time.Hour)

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if removed := n.values.Expire(time.Now().Add(-lifetime)); removed > 0 {
				n.logger.Debug(fmt.Sprintf("Expired %d values", removed), "core")
			}
			if n.sqlite != nil {
				if _, err := n.sqlite.Contacts.Prune(time.Now().Add(-24 * time.Hour)); err != nil {
					n.logger.Warn(fmt.Sprintf("Failed to prune known contacts: %v", err), "core")
				}
				if err := n.sqlite.PerformMaintenance(); err != nil {
					n.logger.Warn(fmt.Sprintf("Database maintenance failed: %v", err), "core")
				}
			}
		}
	}
}

// forwardValues hands c the values it became responsible for: keys whose K
// closest nodes now include c and still include the local node.
func (n *Node) forwardValues(c contact.Contact) {
	if err := n.sem.Acquire(n.ctx, 1); err != nil {
		return
	}
	defer n.sem.Release(1)

	byKey := make(map[kuid.KUID][]database.ValueTuple)
	local := n.routes.LocalNode().ID
	for _, v := range n.values.Values() {
		byKey[v.PrimaryKey] = append(byKey[v.PrimaryKey], v)
	}

	var tok security.Token
	for key, values := range byKey {
		closest := n.routes.Select(key, n.hc.Config.K, routing.SelectAlive)
		if !containsID(closest, c.ID) || !containsID(closest, local) {
			continue
		}
		if tok == nil {
			var err error
			tok, err = handler.SecurityToken(n.ctx, n.hc, c, key).Get(n.ctx)
			if err != nil {
				n.logger.Debug(fmt.Sprintf("No token from %s for store forward: %v", c, err), "core")
				return
			}
		}
		res, err := handler.Store(n.ctx, n.hc, []handler.Entry{{Contact: c, Token: tok}}, values).Get(n.ctx)
		if err != nil {
			return
		}
		n.logger.Debug(fmt.Sprintf("Forwarded %d values for %s to %s (ok=%v)", len(values), key.Short(), c, res.Stored() == 1), "core")
	}
}

func containsID(cs []contact.Contact, id kuid.KUID) bool {
	for _, c := range cs {
		if c.ID == id {
			return true
		}
	}
	return false
}

// updateSizeEstimate guesses the DHT size from the nearest nodes of a
// lookup for the local id: n nodes within distance d of us means about
// n * 2^160 / d nodes overall.
func (n *Node) updateSizeEstimate(st handler.State) {
	local := n.routes.LocalNode().ID
	var others []contact.Contact
	for _, c := range st.Contacts() {
		if c.ID != local {
			others = append(others, c)
		}
	}
	if len(others) == 0 {
		n.sizeEstimate.Store(1)
		return
	}

	farthest := others[len(others)-1].ID.Xor(local)
	d := new(big.Int).SetBytes(farthest[:])
	if d.Sign() == 0 {
		return
	}
	space := new(big.Int).Lsh(big.NewInt(1), kuid.Bits)
	est := new(big.Int).Mul(space, big.NewInt(int64(len(others))))
	est.Div(est, d)
	est.Add(est, big.NewInt(1))
	if !est.IsUint64() {
		return
	}
	n.sizeEstimate.Store(est.Uint64())
}
