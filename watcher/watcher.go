package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EVMClient is the subset of the Ethereum RPC the watcher needs. Satisfied by
// ethclient.Client.
type EVMClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// CheckpointStore persists the re-scan watermark so a restarted or
// reconnected watcher resumes from the last confirmed block instead of "now".
type CheckpointStore interface {
	UpdateListenerCheckpoint(ctx context.Context, listenerID string, block uint64) error
}

// Event is a confirmed funding transfer matching the watch criteria.
type Event struct {
	TxHash   common.Hash
	From     common.Address
	Amount   *uint256.Int
	Block    uint64
	LogIndex uint
}

// Result is the single terminal emission of one watcher: either a matched
// event or a timeout, never both.
type Result struct {
	ListenerID string
	PaymentID  string
	Event      *Event
	TimedOut   bool
}

// Config describes one watch assignment.
type Config struct {
	ListenerID   string
	PaymentID    string
	Recipient    common.Address
	Token        common.Address
	MinAmount    *uint256.Int
	Deadline     time.Time
	StartBlock   uint64
	PollInterval time.Duration
	MaxBackoff   time.Duration
	RPCRate      rate.Limit
}

// Watcher polls the chain for an ERC-20 transfer to one stealth address. It
// owns no session state; it reports the outcome to its single consumer and
// exits.
type Watcher struct {
	cfg         Config
	client      EVMClient
	checkpoints CheckpointStore
	logger      *slog.Logger
	limiter     *rate.Limiter
	results     chan Result
	lastScanned uint64
}

// New constructs a watcher. The results channel is buffered so the terminal
// emission never blocks on a slow consumer.
func New(cfg Config, client EVMClient, checkpoints CheckpointStore, logger *slog.Logger) (*Watcher, error) {
	if client == nil {
		return nil, fmt.Errorf("watcher: evm client required")
	}
	if cfg.MinAmount == nil {
		return nil, fmt.Errorf("watcher: minimum amount required")
	}
	if cfg.Deadline.IsZero() {
		return nil, fmt.Errorf("watcher: deadline required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RPCRate <= 0 {
		cfg.RPCRate = rate.Limit(5)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:         cfg,
		client:      client,
		checkpoints: checkpoints,
		logger:      logger.With("listener", cfg.ListenerID, "payment", cfg.PaymentID),
		limiter:     rate.NewLimiter(cfg.RPCRate, 1),
		results:     make(chan Result, 1),
		lastScanned: cfg.StartBlock,
	}, nil
}

// Results returns the channel carrying the watcher's single terminal emission.
func (w *Watcher) Results() <-chan Result {
	return w.results
}

// Run polls until a match, the deadline, or cancellation. Exactly one Result
// is delivered unless the context is cancelled first, in which case nothing
// is emitted and the caller owns the cleanup.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.results)

	deadline := time.NewTimer(time.Until(w.cfg.Deadline))
	defer deadline.Stop()

	backoff := w.cfg.PollInterval
	for {
		event, err := w.scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient RPC failure: retry with bounded backoff. The
			// checkpoint keeps the next scan window anchored at the last
			// confirmed block, so nothing in the gap is missed.
			w.logger.Warn("chain scan failed", "err", err, "retry_in", backoff)
			backoff = minDuration(backoff*2, w.cfg.MaxBackoff)
		} else {
			backoff = w.cfg.PollInterval
			if event != nil {
				w.results <- Result{ListenerID: w.cfg.ListenerID, PaymentID: w.cfg.PaymentID, Event: event}
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			w.results <- Result{ListenerID: w.cfg.ListenerID, PaymentID: w.cfg.PaymentID, TimedOut: true}
			return
		case <-time.After(backoff):
		}
	}
}

// scan inspects the window (lastScanned, head] for a matching transfer and
// returns the first match in block/log-index order.
func (w *Watcher) scan(ctx context.Context) (*Event, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	if head <= w.lastScanned {
		return nil, nil
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastScanned + 1),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{w.cfg.Token},
		Topics: [][]common.Hash{
			{transferEventSignature},
			nil,
			{common.BytesToHash(common.LeftPadBytes(w.cfg.Recipient.Bytes(), 32))},
		},
	}
	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}
	match := w.firstMatch(logs)
	w.lastScanned = head
	if w.checkpoints != nil {
		if err := w.checkpoints.UpdateListenerCheckpoint(ctx, w.cfg.ListenerID, head); err != nil {
			w.logger.Warn("persist scan checkpoint failed", "err", err)
		}
	}
	return match, nil
}

// firstMatch picks the earliest qualifying transfer by chain ordering. Later
// qualifying transfers in the same window are logged as duplicates and
// dropped; completion is decided by the first observed event only.
func (w *Watcher) firstMatch(logs []gethtypes.Log) *Event {
	var match *Event
	for i := range logs {
		entry := &logs[i]
		if entry.Removed {
			continue
		}
		if entry.Address != w.cfg.Token {
			continue
		}
		if len(entry.Topics) < 3 || entry.Topics[0] != transferEventSignature {
			continue
		}
		to := common.BytesToAddress(entry.Topics[2].Bytes())
		if to != w.cfg.Recipient {
			continue
		}
		amount := new(uint256.Int).SetBytes(entry.Data)
		if amount.Lt(w.cfg.MinAmount) {
			w.logger.Info("underfunded transfer ignored",
				"tx", entry.TxHash.Hex(), "amount", amount.Dec())
			continue
		}
		event := &Event{
			TxHash:   entry.TxHash,
			From:     common.BytesToAddress(entry.Topics[1].Bytes()),
			Amount:   amount,
			Block:    entry.BlockNumber,
			LogIndex: entry.Index,
		}
		if match == nil || earlier(event, match) {
			if match != nil {
				w.logger.Info("duplicate funding event",
					"tx", match.TxHash.Hex(), "block", match.Block)
			}
			match = event
		} else {
			w.logger.Info("duplicate funding event",
				"tx", event.TxHash.Hex(), "block", event.Block)
		}
	}
	return match
}

func earlier(a, b *Event) bool {
	if a.Block != b.Block {
		return a.Block < b.Block
	}
	return a.LogIndex < b.LogIndex
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
