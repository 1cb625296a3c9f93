// Package core wires the DHT node together and runs its maintenance.
package core

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/dispatch"
	"github.com/Trustflow-Network-Labs/dht-node/internal/handler"
	"github.com/Trustflow-Network-Labs/dht-node/internal/inbound"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
	"github.com/Trustflow-Network-Labs/dht-node/internal/p2p"
	"github.com/Trustflow-Network-Labs/dht-node/internal/routing"
	"github.com/Trustflow-Network-Labs/dht-node/internal/security"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
	"github.com/Trustflow-Network-Labs/dht-node/internal/workers"
)

type Node struct {
	config *utils.ConfigManager
	logger *utils.LogsManager

	transport  p2p.Transport
	pool       *workers.WorkerPool
	dispatcher *dispatch.Dispatcher
	routes     *routing.Table
	values     database.Database
	sqlite     *database.SQLiteManager
	blacklist  *database.Blacklist
	tokens     *security.KeyedTokenProvider
	inbound    *inbound.Handlers
	hc         *handler.Context

	// sem bounds republish and store-forward work
	sem *semaphore.Weighted

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mutex   sync.Mutex
	running bool
	// bgMu orders background goroutine starts against Stop
	bgMu     sync.Mutex
	stopping bool

	bootstrapped  atomic.Bool
	sizeEstimate  atomic.Uint64
	storeForward  bool
	persistRoutes bool
}

// NewNode builds a node on the transport named by dht_transport.
func NewNode(config *utils.ConfigManager, logger *utils.LogsManager) (*Node, error) {
	transport, err := p2p.NewTransport(config, logger, utils.GetAppPaths("").ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return NewNodeWithTransport(config, logger, transport, nil)
}

// NewNodeWithTransport builds a node on transport. sqlm may be nil, in which
// case a SQLite database is opened only when dht_database = sqlite or
// dht_persist_contacts is set.
func NewNodeWithTransport(config *utils.ConfigManager, logger *utils.LogsManager, transport p2p.Transport, sqlm *database.SQLiteManager) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		config:        config,
		logger:        logger,
		transport:     transport,
		sqlite:        sqlm,
		ctx:           ctx,
		cancel:        cancel,
		storeForward:  config.GetConfigBool("dht_store_forward_enabled", true),
		persistRoutes: config.GetConfigBool("dht_persist_contacts", true),
		sem:           semaphore.NewWeighted(int64(config.GetConfigInt("dht_republish_parallelism", 4, 1, 64))),
	}

	local, err := localContact(config)
	if err != nil {
		cancel()
		return nil, err
	}

	kind := config.GetConfigWithDefault("dht_database", "memory")
	if n.sqlite == nil && (kind == "sqlite" || n.persistRoutes) {
		n.sqlite, err = database.NewSQLiteManager(config, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to initialize database manager: %w", err)
		}
	}

	switch kind {
	case "memory":
		n.values = database.NewMemoryDatabase(
			config.GetConfigInt("dht_max_values_per_key", 5, 0, 10000),
			config.GetConfigFloat64("dht_request_load_smoothing", 0.25, 0.01, 1))
	case "sqlite":
		n.values = n.sqlite.Values
	default:
		cancel()
		return nil, fmt.Errorf("unknown database %q", kind)
	}

	n.blacklist, err = database.NewBlacklist(n.sqlite)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load blacklist: %w", err)
	}

	n.routes = routing.NewTable(local, config, logger)
	n.tokens = security.NewKeyedTokenProvider(config.GetConfigDuration("dht_token_rotation", 5*time.Minute))

	n.pool = workers.NewWorkerPool(ctx,
		config.GetConfigInt("dht_callback_workers", 8, 1, 1024),
		config.GetConfigInt("dht_callback_queue_size", 1024, 1, 1<<20),
		logger)

	factory := message.NewFactory(message.NewTagger(), n.routes.LocalNode)
	n.dispatcher, err = dispatch.NewDispatcher(transport, factory, n.pool, config, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	filter := dispatch.NewDefaultFilter(n.routes.LocalNode, n.dispatcher.LocalAddr, n.blacklist)
	filter.DropLoopback = config.GetConfigBool("dht_drop_loopback", false)
	n.dispatcher.SetFilter(filter)
	n.dispatcher.SetContactHook(n.onContact)
	n.dispatcher.SetFailureHook(n.onFailure)
	n.dispatcher.SetLateResponseHandler(n.onLateResponse)

	n.inbound = inbound.New(n.dispatcher, n.routes, n.values, n.tokens, config, logger)
	n.inbound.SetSizeEstimate(n.EstimatedSize)
	n.inbound.SetBootstrapping(true)
	n.inbound.Register(n.dispatcher)

	n.hc = &handler.Context{
		Sender:   n.dispatcher,
		Routes:   n.routes,
		Database: n.values,
		Config:   handler.NewConfig(config),
		Logger:   logger,
	}

	return n, nil
}

// localContact reads dht_node_id (hex or base58) or picks a random id.
func localContact(config *utils.ConfigManager) (contact.Contact, error) {
	id := kuid.Random()
	if s := config.GetConfigWithDefault("dht_node_id", ""); s != "" {
		parsed, err := kuid.Parse(s)
		if err != nil {
			return contact.Contact{}, fmt.Errorf("invalid dht_node_id: %w", err)
		}
		id = parsed
	}
	c := contact.Contact{ID: id}
	if config.GetConfigBool("dht_firewalled", false) {
		c.Flags |= contact.FlagFirewalled
	}
	return c, nil
}

func (n *Node) Start() error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.running {
		return fmt.Errorf("node is already running")
	}

	n.logger.Info("Starting DHT node...", "core")

	n.pool.Start()
	if err := n.dispatcher.Bind(); err != nil {
		n.pool.Stop()
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	local := n.routes.LocalNode()
	local.Addr = n.transport.LocalAddr()
	n.routes.SetLocalNode(local)

	n.wg.Add(3)
	go n.periodicRepublish()
	go n.periodicRefresh()
	go n.periodicExpire()

	n.running = true
	n.logger.Info(fmt.Sprintf("DHT node %s listening on %s", local.ID, local.Addr), "core")
	return nil
}

func (n *Node) Stop() error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if !n.running {
		return nil
	}
	n.logger.Info("Stopping DHT node...", "core")

	n.bgMu.Lock()
	n.stopping = true
	n.bgMu.Unlock()
	n.cancel()
	n.wg.Wait()

	var err error
	if n.persistRoutes && n.sqlite != nil {
		if saveErr := n.sqlite.Contacts.Save(n.routes.Contacts()); saveErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to persist contacts: %w", saveErr))
		}
	}
	err = multierr.Append(err, n.dispatcher.Close())
	n.pool.Stop()
	err = multierr.Append(err, n.values.Close())
	if n.sqlite != nil {
		err = multierr.Append(err, n.sqlite.Close())
	}

	n.running = false
	n.logger.Info("DHT node stopped", "core")
	return err
}

func (n *Node) LocalNode() contact.Contact { return n.routes.LocalNode() }

func (n *Node) Routes() routing.RouteTable { return n.routes }

func (n *Node) Database() database.Database { return n.values }

func (n *Node) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }

func (n *Node) Blacklist() *database.Blacklist { return n.blacklist }

func (n *Node) IsBootstrapped() bool { return n.bootstrapped.Load() }

// EstimatedSize is the DHT size guessed from the density of the nearest
// contacts around the local id.
func (n *Node) EstimatedSize() uint64 { return n.sizeEstimate.Load() }

// onContact is called for every sender the dispatcher accepts.
func (n *Node) onContact(c contact.Contact, rtt time.Duration) {
	if c.IsFirewalled() || c.IsShutdown() {
		return
	}
	c.RTT = rtt
	_, known := n.routes.Get(c.ID)
	if !n.routes.Add(c) || known {
		return
	}
	n.logger.Debug(fmt.Sprintf("New contact %s", c), "routing")
	if n.storeForward && n.bootstrapped.Load() {
		n.goBackground(func() { n.forwardValues(c) })
	}
}

// goBackground runs fn on a goroutine Stop waits for. It does nothing once
// Stop has begun.
func (n *Node) goBackground(fn func()) bool {
	n.bgMu.Lock()
	defer n.bgMu.Unlock()
	if n.stopping {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Node) onFailure(h message.RequestHandle) {
	if h.ContactID.IsZero() {
		return
	}
	n.routes.HandleFailure(h.ContactID, h.Addr)
}

func (n *Node) onLateResponse(src netip.AddrPort, resp message.Response, duplicate bool) {
	if duplicate {
		return
	}
	n.logger.Debug(fmt.Sprintf("Late %s from %s", resp.Op(), src), "dispatch")
	sender := resp.Head().Sender
	sender.Addr = src
	n.onContact(sender, 0)
}

// learnExternalAddr adopts the address a peer saw us at when we are bound
// to an unspecified address.
func (n *Node) learnExternalAddr(addr netip.AddrPort) {
	if !contact.IsValidAddr(addr) || n.dispatcher.ExternalAddr() == addr {
		return
	}
	bound := n.transport.LocalAddr()
	if contact.IsValidAddr(bound) {
		return
	}
	n.dispatcher.SetExternalAddr(addr)
	local := n.routes.LocalNode()
	local.Addr = addr
	n.routes.SetLocalNode(local)
	n.logger.Info(fmt.Sprintf("External address is %s", addr), "core")
}

// Stats is served on the monitoring endpoint.
func (n *Node) Stats() map[string]interface{} {
	local := n.routes.LocalNode()
	stats := map[string]interface{}{
		"node_id":        local.ID.String(),
		"local_addr":     local.Addr.String(),
		"external_addr":  n.dispatcher.ExternalAddr().String(),
		"bootstrapped":   n.bootstrapped.Load(),
		"routing.size":   n.routes.Size(),
		"database.size":  n.values.Size(),
		"estimated_size": int64(n.EstimatedSize()),
		"blacklist.size": n.blacklist.Len(),
		"workers.active": n.pool.GetActiveWorkers(),
		"workers.tasks":  n.pool.Executed(),
		"workers.panics": n.pool.Panics(),
	}
	for k, v := range n.dispatcher.Stats() {
		stats["dispatch."+k] = v
	}
	if n.sqlite != nil {
		for k, v := range n.sqlite.GetStats() {
			stats["sqlite."+k] = v
		}
	}
	if q, ok := n.transport.(*p2p.QUICTransport); ok {
		stats["quic.connections"] = q.Connections()
	}
	return stats
}
