package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perp/pkg/perps"
	"github.com/luxfi/perp/pkg/wsfeed"
)

const (
	defaultDataDir = ".perpd"
	defaultNATSURL = nats.DefaultURL

	priceSubjectPrefix    = "perp.prices."
	eventSubjectPrefix    = "perp.events."
	transferSubject       = "perp.transfers"
)

type Config struct {
	DataDir  string
	LogLevel string

	NATSURL     string
	WSAddr      string
	MetricsAddr string

	MaintenanceInterval time.Duration
	SnapshotInterval    time.Duration
}

// natsOracle caches the latest price sample per symbol from the
// perp.prices.<symbol> subjects. A symbol never seen is an error, not a
// zero price.
type natsOracle struct {
	mu      sync.RWMutex
	samples map[string]perps.OracleSample
	logger  log.Logger
}

type priceMessage struct {
	Symbol        string      `json:"symbol"`
	Price         perps.Dec64 `json:"price"`
	Time          int64       `json:"time"`
	IsOpen        bool        `json:"isOpen"`
	Terminated    bool        `json:"terminated"`
	Insignificant bool        `json:"insignificant"`
}

func newNATSOracle(logger log.Logger) *natsOracle {
	return &natsOracle{
		samples: make(map[string]perps.OracleSample),
		logger:  logger,
	}
}

func (o *natsOracle) handle(msg *nats.Msg) {
	var pm priceMessage
	if err := json.Unmarshal(msg.Data, &pm); err != nil {
		o.logger.Warn("bad price message", "subject", msg.Subject, "error", err)
		return
	}
	if pm.Symbol == "" {
		pm.Symbol = msg.Subject[len(priceSubjectPrefix):]
	}
	o.mu.Lock()
	o.samples[pm.Symbol] = perps.OracleSample{
		Price:         pm.Price,
		Time:          time.Unix(pm.Time, 0),
		IsOpen:        pm.IsOpen,
		Terminated:    pm.Terminated,
		Insignificant: pm.Insignificant,
	}
	o.mu.Unlock()
}

func (o *natsOracle) Latest(symbol string) (perps.OracleSample, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sample, ok := o.samples[symbol]
	if !ok {
		return perps.OracleSample{}, fmt.Errorf("no price for symbol %s", symbol)
	}
	return sample, nil
}

// natsLedger publishes transfer instructions for the external custodian.
// The engine's internal bookkeeping is the source of truth; the custodian
// replays perp.transfers against the chain.
type natsLedger struct {
	nc *nats.Conn
}

type transferMessage struct {
	Direction string `json:"direction"`
	Token     string `json:"token"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Time      int64  `json:"time"`
}

func (l *natsLedger) publish(direction, token, account string, amount decimal.Decimal) error {
	blob, err := json.Marshal(transferMessage{
		Direction: direction,
		Token:     token,
		Account:   account,
		Amount:    amount.String(),
		Time:      time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return l.nc.Publish(transferSubject, blob)
}

func (l *natsLedger) TransferIn(token, from string, amount decimal.Decimal) error {
	return l.publish("in", token, from, amount)
}

func (l *natsLedger) TransferOut(token, to string, amount decimal.Decimal) error {
	return l.publish("out", token, to, amount)
}

type PerpNode struct {
	config *Config
	logger log.Logger

	db     database.Database
	store  *perps.Store
	engine *perps.Engine
	feed   *wsfeed.Server

	nc     *nats.Conn
	priceSub *nats.Subscription

	done chan struct{}
	wg   sync.WaitGroup
}

func NewPerpNode(config *Config) (*PerpNode, error) {
	logger := log.Root().New("module", "perpd")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpd"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("failed to open BadgerDB, using in-memory database", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	nc, err := nats.Connect(config.NATSURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.NATSURL, err)
	}

	oracle := newNATSOracle(logger)
	ledger := &natsLedger{nc: nc}
	engine := perps.NewEngine(perps.DefaultEngineConfig(), oracle, ledger,
		perps.NewEd25519Verifier(), nil)

	node := &PerpNode{
		config: config,
		logger: logger,
		db:     db,
		store:  perps.NewStore(db),
		engine: engine,
		feed:   wsfeed.NewServer(log.Root().New("module", "wsfeed")),
		nc:     nc,
		done:   make(chan struct{}),
	}

	node.priceSub, err = nc.Subscribe(priceSubjectPrefix+">", oracle.handle)
	if err != nil {
		nc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to subscribe to prices: %w", err)
	}

	engine.SetEventSink(node.publishEvent)
	return node, nil
}

// publishEvent forwards engine events to the WebSocket feed and NATS. It
// runs under the engine lock, so both paths must never block.
func (n *PerpNode) publishEvent(ev perps.Event) {
	n.feed.PublishEvent(ev)
	blob, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("failed to encode event", "error", err)
		return
	}
	subject := fmt.Sprintf("%s%s.%d", eventSubjectPrefix, ev.Type, ev.PerpID)
	if err := n.nc.Publish(subject, blob); err != nil {
		n.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

func (n *PerpNode) Start() error {
	if err := n.store.Load(n.engine); err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	n.logger.Info("perpd starting",
		"data", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"nats", n.config.NATSURL,
		"ws", n.config.WSAddr,
		"metrics", n.config.MetricsAddr)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.feed.Start(n.config.WSAddr); err != nil {
			n.logger.Error("WebSocket feed stopped", "error", err)
		}
	}()

	n.wg.Add(1)
	go n.runMetricsServer()

	n.wg.Add(1)
	go n.runMaintenance()

	n.wg.Add(1)
	go n.runSnapshots()

	return nil
}

func (n *PerpNode) runMetricsServer() {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.engine.Metrics().Handler())
	server := &http.Server{Addr: n.config.MetricsAddr, Handler: mux}

	go func() {
		<-n.done
		server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("metrics server stopped", "error", err)
	}
}

func (n *PerpNode) runMaintenance() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.engine.MaintenanceTick()
		}
	}
}

func (n *PerpNode) runSnapshots() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			if err := n.store.Save(n.engine); err != nil {
				n.logger.Error("failed to save snapshot", "error", err)
			}
		}
	}
}

func (n *PerpNode) Shutdown() {
	n.logger.Info("shutting down perpd")
	close(n.done)
	n.feed.Stop()
	n.wg.Wait()

	if err := n.store.Save(n.engine); err != nil {
		n.logger.Error("failed to save final snapshot", "error", err)
	}
	if n.priceSub != nil {
		n.priceSub.Unsubscribe()
	}
	n.nc.Drain()
	n.nc.Close()
	n.db.Close()
	n.logger.Info("perpd shutdown complete")
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&config.NATSURL, "nats-url", defaultNATSURL, "NATS server URL for prices and events")
	flag.StringVar(&config.WSAddr, "ws-addr", ":8081", "WebSocket feed listen address")
	flag.StringVar(&config.MetricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	maintenance := flag.Duration("maintenance-interval", 5*time.Second, "Price refresh and funding interval")
	snapshot := flag.Duration("snapshot-interval", time.Minute, "State snapshot interval")
	flag.Parse()

	config.MaintenanceInterval = *maintenance
	config.SnapshotInterval = *snapshot

	node, err := NewPerpNode(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create node: %v\n", err)
		os.Exit(1)
	}
	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start node: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	node.logger.Info("received signal", "signal", sig.String())

	node.Shutdown()
}
