// DHT node for trackerless peer discovery in a Kademlia-style network.
//
// A node answers ping, find_node, get_peers and announce_peer queries from
// other participants, runs iterative lookups of its own, and keeps a store
// of announced peers protected by rotating announce tokens.
package dht

import (
	"errors"
	"expvar"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
)

var (
	totalRecv         = expvar.NewInt("totalRecv")
	totalBogusPackets = expvar.NewInt("totalBogusPackets")
)

// Config carries the node parameters. Use NewConfig for the conventional
// defaults; the policy constants are inherited from mainline network
// convention but deliberately not hard-coded.
type Config struct {
	// Port to listen on. 0 picks a free port.
	Port int
	// K is the bucket size, and with it the size of closest-node replies
	// and of finished lookups.
	K int
	// Alpha bounds how many queries a single lookup keeps in flight.
	Alpha int
	// QueryTimeout is how long a query waits for its reply.
	QueryTimeout time.Duration
	// SecretRotatePeriod is the announce-token secret rotation period.
	// Tokens stay valid for between one and two periods.
	SecretRotatePeriod time.Duration
	// PeerTTL is how long an announced peer stays in the store.
	PeerTTL time.Duration
	// SweepPeriod is how often expired peers are physically removed.
	SweepPeriod time.Duration
	// RefreshPeriod is how often stale routing table buckets are walked.
	RefreshPeriod time.Duration
	// SampleLimit caps the peer list handed out per get_peers reply.
	SampleLimit int
	// MaxInfoHashes bounds how many infohashes the peer store tracks.
	MaxInfoHashes int
	// Routers are the well-known host:port seeds used to join the
	// network. Set to nil to skip bootstrapping.
	Routers []string
	// BootstrapRetryPause is the wait between bootstrap rounds.
	BootstrapRetryPause time.Duration
	// Clock is the time source. Tests swap in a mock.
	Clock clock.Clock
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Port:                0,
		K:                   8,
		Alpha:               3,
		QueryTimeout:        2 * time.Second,
		SecretRotatePeriod:  10 * time.Minute,
		PeerTTL:             30 * time.Minute,
		SweepPeriod:         time.Minute,
		RefreshPeriod:       time.Minute,
		SampleLimit:         100,
		MaxInfoHashes:       16384,
		Routers: []string{
			"router.bittorrent.com:6881",
			"router.utorrent.com:6881",
			"dht.transmissionbt.com:6881",
		},
		BootstrapRetryPause: 10 * time.Second,
		Clock:               clock.New(),
	}
}

// Logger lets the embedding client observe get_peers requests any way it
// wants.
type Logger interface {
	GetPeers(*net.UDPAddr, string, InfoHash)
}

// DHT is one node: a single socket, identifier, routing table and peer
// store bundle. Create it with New, then call Start. One handle means one
// bound port for the process lifetime.
type DHT struct {
	config Config
	nodeId string
	port   int

	table   *routingTable
	peers   *peerStore
	secrets *secretPair
	tr      *transport
	engine  *queryEngine
	resp    *responder

	// Logger may be set before Start.
	Logger Logger

	stop      chan bool
	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
}

// New creates a node with a random identifier. Nothing touches the network
// until Start.
func New(cfg *Config) *DHT {
	if cfg == nil {
		cfg = NewConfig()
	}
	d := &DHT{
		config: *cfg,
		nodeId: randNodeId(),
		stop:   make(chan bool),
	}
	d.table = newRoutingTable(d.nodeId, cfg.K, cfg.Clock)
	d.peers = newPeerStore(cfg.Clock, cfg.PeerTTL, cfg.MaxInfoHashes)
	d.secrets = newSecretPair(cfg.Clock, cfg.SecretRotatePeriod)
	d.tr = newTransport(cfg.Clock, cfg.QueryTimeout, d.stop)
	d.engine = &queryEngine{localId: d.nodeId, tr: d.tr}
	d.resp = &responder{
		localId:     d.nodeId,
		table:       d.table,
		peers:       d.peers,
		secrets:     d.secrets,
		k:           cfg.K,
		sampleLimit: cfg.SampleLimit,
	}
	return d
}

// Start binds the listening port and launches the serve and maintenance
// loops. Repeated calls return the first outcome. A bind failure is the
// only fatal error in the system.
func (d *DHT) Start() error {
	d.startOnce.Do(func() {
		d.startErr = d.run()
	})
	return d.startErr
}

func (d *DHT) run() error {
	if err := d.tr.listen(d.config.Port); err != nil {
		return err
	}
	d.port = d.tr.port()

	conChan := make(chan packetType)
	// One goroutine pushes and one pops, so the arena needs few blocks.
	blocks := newArena(maxUDPPacketSize, 3)
	go d.tr.readLoop(conChan, blocks)
	go d.serve(conChan, blocks)
	go d.refreshLoop()
	go d.expiryLoop()
	if len(d.config.Routers) > 0 {
		go d.bootstrap(d.config.Routers)
	}
	log.Infof("DHT: starting node %x on port %d", d.nodeId, d.port)
	return nil
}

// Stop shuts the node down. In-flight queries resolve as transport errors.
func (d *DHT) Stop() {
	d.stopOnce.Do(func() {
		log.Infof("DHT: node %x exiting", d.nodeId)
		close(d.stop)
		if d.tr.conn != nil {
			d.tr.conn.Close()
		}
		log.Flush()
	})
}

// ID returns the local node identifier as a raw 20-byte string.
func (d *DHT) ID() string {
	return d.nodeId
}

// Port returns the bound port. Useful with Config.Port == 0, to learn the
// port the system picked.
func (d *DHT) Port() int {
	return d.port
}

// AddNode informs the DHT of a node it should consider for its routing
// table. addr is a "host:port" UDP address; it enters the table only after
// answering a ping.
func (d *DHT) AddNode(addr string) {
	go func() {
		udp, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			log.V(2).Infof("DHT: AddNode %q: %v", addr, err)
			return
		}
		if n := d.engine.ping(udp); n != nil {
			d.table.markAlive(*n)
		}
	}()
}

// Lookup finds the K reachable nodes closest to target by iterative
// search, starting from local routing table knowledge.
func (d *DHT) Lookup(target InfoHash) []NodeInfo {
	return newLookup(string(target), d.engine, d.table, d.config.K, d.config.Alpha).run(nil)
}

// FindPeers locates peers announced for ih by asking the closest nodes
// found by a lookup. When announce is true our own listening port is
// registered with those nodes along the way. Contacts come back in the
// 6-byte compact form; DecodePeerAddress renders them readable.
func (d *DHT) FindPeers(ih InfoHash, announce bool) []string {
	closest := d.Lookup(ih)
	seen := make(map[string]bool)
	var peers []string
	for _, n := range closest {
		_, token, values, _, err := d.engine.getPeers(n.Addr, ih)
		if err != nil {
			log.V(3).Infof("DHT: get_peers %x@%v: %v", n.ID, n.Addr, err)
			continue
		}
		for _, v := range values {
			if !seen[v] {
				seen[v] = true
				peers = append(peers, v)
			}
		}
		if announce && token != "" {
			if _, err := d.engine.announcePeer(n.Addr, d.port, token, ih); err != nil {
				log.V(3).Infof("DHT: announce_peer %x@%v: %v", n.ID, n.Addr, err)
			}
		}
	}
	return peers
}

// serve is the incoming packet pump.
func (d *DHT) serve(conChan chan packetType, blocks *arena) {
	for {
		select {
		case <-d.stop:
			return
		case p := <-conChan:
			totalRecv.Add(1)
			d.processPacket(p)
			blocks.Push(p.b)
		}
	}
}

func (d *DHT) processPacket(p packetType) {
	if len(p.b) == 0 || p.b[0] != 'd' {
		// Not a bencoded dictionary. There are protocol extensions out
		// there that we don't support or understand.
		totalBogusPackets.Add(1)
		return
	}
	m, err := readMessage(p)
	if err != nil {
		return
	}
	switch m.Y {
	case "r", "e":
		d.tr.dispatchReply(p.raddr, &m)
	case "q":
		d.processQuery(p.raddr, &m)
	default:
		totalBogusPackets.Add(1)
		log.V(3).Infof("DHT: bogus message from %v", &p.raddr)
	}
}

// processQuery runs one incoming query through the codec and the
// responder. Whatever goes wrong here costs at most this one exchange.
func (d *DHT) processQuery(raddr net.UDPAddr, m *message) {
	remoteId, q, err := decodeQuery(m.Q, m.A)
	if err != nil {
		d.sendError(raddr, m.T, err)
		return
	}
	addr := raddr
	// Hearing a well-formed query from a node is as good as a reply for
	// liveness purposes.
	d.table.observe(remoteId, &addr, statusAlive)
	if q.kind == queryGetPeers && d.Logger != nil {
		d.Logger.GetPeers(&addr, remoteId, q.infoHash)
	}
	r, err := d.resp.respond(remoteId, q, &addr)
	if err != nil {
		d.sendError(raddr, m.T, err)
		return
	}
	d.tr.send(raddr, replyMessage{T: m.T, Y: "r", R: encodeResponse(d.nodeId, r)})
}

func (d *DHT) sendError(raddr net.UDPAddr, tid string, err error) {
	code := 203 // protocol error
	if errors.Is(err, ErrUnknownMethod) {
		code = 204
	}
	log.V(3).Infof("DHT: rejecting query from %v: %v", &raddr, err)
	d.tr.send(raddr, errorMessage{T: tid, Y: "e", E: []interface{}{code, err.Error()}})
}

// refreshLoop periodically walks buckets that have seen no traffic and
// re-queries their members, so the table tracks churn instead of slowly
// filling with corpses.
func (d *DHT) refreshLoop() {
	t := d.config.Clock.Ticker(d.config.RefreshPeriod)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			d.refreshOnce()
		}
	}
}

func (d *DHT) refreshOnce() {
	for _, rt := range d.table.refreshTargets(d.config.RefreshPeriod) {
		go func(rt refreshTarget) {
			for _, n := range rt.nodes {
				resp, found, err := d.engine.findNode(n.Addr, rt.target)
				if err != nil {
					continue
				}
				if resp.ID != n.ID {
					// Same address, new identifier: the node we knew there
					// is gone.
					d.table.markDead(n.ID)
				}
				d.table.markAlive(resp)
				for _, f := range found {
					// Heard about, not confirmed.
					d.table.observe(f.ID, f.Addr, statusUnknown)
				}
			}
		}(rt)
	}
}

// expiryLoop drives the peer store sweep.
func (d *DHT) expiryLoop() {
	t := d.config.Clock.Ticker(d.config.SweepPeriod)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			removed, scanned := d.peers.sweep(d.config.Clock.Now())
			if removed > 0 {
				log.V(2).Infof("DHT: peer sweep removed %d of %d entries", removed, scanned)
			}
		}
	}
}

// bootstrap joins the network through the seed list: ping each seed, then
// look up our own identifier starting from whoever answered. A node with
// an empty routing table is useless, so this retries the whole list until
// a lookup fills a full bucket.
func (d *DHT) bootstrap(seeds []string) {
	for {
		var alive []NodeInfo
		for _, hostPort := range seeds {
			addr, err := net.ResolveUDPAddr("udp4", hostPort)
			if err != nil {
				log.V(2).Infof("DHT: bootstrap resolve %q: %v", hostPort, err)
				continue
			}
			if n := d.engine.ping(addr); n != nil {
				d.table.markAlive(*n)
				alive = append(alive, *n)
			}
		}
		if len(alive) > 0 {
			found := newLookup(d.nodeId, d.engine, d.table, d.config.K, d.config.Alpha).run(alive)
			if len(found) >= d.config.K {
				log.Infof("DHT: bootstrap done, %d nodes in table", d.table.length())
				return
			}
		}
		select {
		case <-d.stop:
			return
		case <-d.config.Clock.After(d.config.BootstrapRetryPause):
		}
	}
}
