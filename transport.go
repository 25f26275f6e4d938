package dht

import (
	"bytes"
	"expvar"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
	bencode "github.com/jackpal/bencode-go"
)

const (
	// Once in a while bigger packets show up, but meh.
	maxUDPPacketSize = 4096
)

var (
	totalSent         = expvar.NewInt("totalSent")
	totalReadBytes    = expvar.NewInt("totalReadBytes")
	totalWrittenBytes = expvar.NewInt("totalWrittenBytes")
	totalTimeouts     = expvar.NewInt("totalTimeouts")
	totalOrphanReply  = expvar.NewInt("totalOrphanReply")
)

type packetType struct {
	b     []byte
	raddr net.UDPAddr
}

// transport owns the UDP socket and matches replies to the queries that
// produced them by transaction id. Each in-flight query parks its goroutine
// on a channel until the reply, a timeout or shutdown resolves it; there is
// no way to cancel a query early.
type transport struct {
	conn    *net.UDPConn
	clk     clock.Clock
	timeout time.Duration
	stop    chan bool

	mu      sync.Mutex
	pending map[string]chan *message
	lastTid uint16
}

func newTransport(clk clock.Clock, timeout time.Duration, stop chan bool) *transport {
	return &transport{
		clk:     clk,
		timeout: timeout,
		stop:    stop,
		pending: make(map[string]chan *message),
	}
}

// listen binds the UDP port. This is the one failure in the system that is
// fatal to the node.
func (t *transport) listen(port int) error {
	log.V(3).Infof("DHT: listening for peers on port %d", port)
	listener, err := net.ListenPacket("udp4", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("binding port %d: %w", port, err)
	}
	t.conn = listener.(*net.UDPConn)
	return nil
}

func (t *transport) port() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// readLoop reads packets from the socket and hands them to conChan. Blocks
// come from the arena and must be pushed back by the consumer.
func (t *transport) readLoop(conChan chan packetType, blocks *arena) {
	for {
		b := blocks.Pop()
		n, addr, err := t.conn.ReadFromUDP(b)
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
			}
			log.V(3).Infof("DHT: read error: %v", err)
			blocks.Push(b)
			continue
		}
		b = b[:n]
		if n == maxUDPPacketSize {
			log.V(3).Infof("DHT: received packet with len >= %d, some data may have been discarded", maxUDPPacketSize)
		}
		totalReadBytes.Add(int64(n))
		select {
		case conChan <- packetType{b, *addr}:
		case <-t.stop:
			return
		}
	}
}

// send bencodes msg and writes it out. Write failures only cost this one
// message; the peer will simply never answer.
func (t *transport) send(raddr net.UDPAddr, msg interface{}) {
	if t.conn == nil {
		return
	}
	totalSent.Add(1)
	var b bytes.Buffer
	if err := bencode.Marshal(&b, msg); err != nil {
		log.Warningf("DHT: bencode marshal failed: %v", err)
		return
	}
	if n, err := t.conn.WriteToUDP(b.Bytes(), &raddr); err != nil {
		log.V(3).Infof("DHT: node write failed to %+v, error=%s", raddr, err)
	} else {
		totalWrittenBytes.Add(int64(n))
	}
}

// roundTrip sends a query and blocks until the matching reply arrives, the
// deadline passes, or the node shuts down.
func (t *transport) roundTrip(raddr net.UDPAddr, method string, args map[string]interface{}) (*message, error) {
	tid := t.newTransactionId()
	key := pendingKey(raddr.String(), tid)
	ch := make(chan *message, 1)

	t.mu.Lock()
	select {
	case <-t.stop:
		t.mu.Unlock()
		return nil, ErrTransportClosed
	default:
	}
	t.pending[key] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	t.send(raddr, queryMessage{T: tid, Y: "q", Q: method, A: args})

	timer := t.clk.Timer(t.timeout)
	defer timer.Stop()
	select {
	case m := <-ch:
		return m, nil
	case <-timer.C:
		totalTimeouts.Add(1)
		return nil, fmt.Errorf("%w: %s to %v", ErrTimeout, method, &raddr)
	case <-t.stop:
		return nil, ErrTransportClosed
	}
}

// dispatchReply wakes the goroutine waiting on the reply's transaction id,
// if any. Replies nobody asked for are dropped.
func (t *transport) dispatchReply(raddr net.UDPAddr, m *message) bool {
	key := pendingKey(raddr.String(), m.T)
	t.mu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if !ok {
		totalOrphanReply.Add(1)
		log.V(4).Infof("DHT: reply from %v with unknown transaction id %q", raddr, m.T)
		return false
	}
	ch <- m
	return true
}

// newTransactionId hands out two-byte ids. Collisions across peers don't
// matter since pending calls are keyed by address as well.
func (t *transport) newTransactionId() string {
	t.mu.Lock()
	t.lastTid++
	n := t.lastTid
	t.mu.Unlock()
	return string([]byte{byte(n >> 8), byte(n)})
}

func pendingKey(addr, tid string) string {
	return addr + "|" + tid
}

// readMessage decodes a raw packet into the generic message envelope. The
// calls to bencode.Unmarshal can be fragile, hence the recover.
func readMessage(p packetType) (m message, err error) {
	defer func() {
		if x := recover(); x != nil {
			log.V(3).Infof("DHT: recovering from panic() after bencode.Unmarshal %q, %v", string(p.b), x)
			err = fmt.Errorf("%w: unmarshal panic", ErrMalformedMessage)
		}
	}()
	if e := bencode.Unmarshal(bytes.NewBuffer(p.b), &m); e != nil {
		log.V(3).Infof("DHT: unmarshal error, odd or partial data during UDP read? %v, err=%s", string(p.b), e)
		return m, fmt.Errorf("%w: %v", ErrMalformedMessage, e)
	}
	return m, nil
}
