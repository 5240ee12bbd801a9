package rates

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/pkg/types"
)

// streamMessage is the wire format of the rate feed.
type streamMessage struct {
	From         string          `json:"from"`
	To           string          `json:"to"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Rate         decimal.Decimal `json:"rate"`
	QualityScore decimal.Decimal `json:"quality_score"`
	Timestamp    int64           `json:"timestamp"`
}

type subscribeMessage struct {
	Action string `json:"action"`
	Pair   string `json:"pair"`
}

// StreamClient keeps a websocket connection to the rate feed and pushes every
// observation into the aggregator. Lost connections are redialed after a
// fixed wait; subscriptions are replayed on reconnect.
type StreamClient struct {
	url           string
	agg           *Aggregator
	reconnectWait time.Duration

	conn *websocket.Conn
	mu   sync.Mutex

	pairs   map[string]types.Pair
	pairsMu sync.Mutex

	logger *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamClient creates a client feeding the aggregator from url.
func NewStreamClient(url string, agg *Aggregator) *StreamClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamClient{
		url:           url,
		agg:           agg,
		reconnectWait: 5 * time.Second,
		pairs:         make(map[string]types.Pair),
		logger:        logrus.WithField("component", "rate-stream"),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Watch registers a pair to subscribe to on (re)connect.
func (c *StreamClient) Watch(pair types.Pair) {
	c.pairsMu.Lock()
	c.pairs[pair.String()] = pair
	c.pairsMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.sendSubscribe(conn, pair)
	}
}

// Start begins the connect/read loop.
func (c *StreamClient) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop terminates the loop and closes the connection.
func (c *StreamClient) Stop() {
	c.cancel()
	c.closeConn()
	c.wg.Wait()
}

func (c *StreamClient) runLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.connect(); err != nil {
				c.logger.WithError(err).WithField("url", c.url).
					Warn("rate feed connection failed")
				if !c.sleep(c.reconnectWait) {
					return
				}
				continue
			}

			c.subscribeAll()
			c.readLoop()

			if !c.sleep(c.reconnectWait) {
				return
			}
		}
	}
}

func (c *StreamClient) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *StreamClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *StreamClient) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *StreamClient) subscribeAll() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.pairsMu.Lock()
	pairs := make([]types.Pair, 0, len(c.pairs))
	for _, p := range c.pairs {
		pairs = append(pairs, p)
	}
	c.pairsMu.Unlock()

	for _, p := range pairs {
		c.sendSubscribe(conn, p)
	}
}

func (c *StreamClient) sendSubscribe(conn *websocket.Conn, pair types.Pair) {
	msg := subscribeMessage{Action: "subscribe", Pair: pair.String()}
	if err := conn.WriteJSON(msg); err != nil {
		c.logger.WithError(err).WithField("pair", pair.String()).
			Warn("subscribe failed")
	}
}

func (c *StreamClient) readLoop() {
	defer c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				c.logger.WithError(err).Debug("rate feed read failed, reconnecting")
				return
			}
			c.handleMessage(message)
		}
	}
}

func (c *StreamClient) handleMessage(message []byte) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.WithError(err).Warn("unparseable rate message")
		return
	}
	if msg.From == "" || msg.To == "" {
		return
	}

	ts := time.Now()
	if msg.Timestamp > 0 {
		ts = time.UnixMilli(msg.Timestamp)
	}

	c.agg.Push(types.Rate{
		From:         msg.From,
		To:           msg.To,
		Bid:          msg.Bid,
		Ask:          msg.Ask,
		Rate:         msg.Rate,
		Spread:       msg.Ask.Sub(msg.Bid),
		QualityScore: msg.QualityScore,
		Source:       "stream",
		Timestamp:    ts,
	})
}
