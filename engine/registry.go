package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"stealthpay/crypto"
	"stealthpay/observability"
	"stealthpay/settlement"
	"stealthpay/storage"
	"stealthpay/watcher"
)

// WatcherFactory starts a chain watcher for a listener handle. The watcher
// must deliver exactly one Result on the returned channel, or close it
// without emission when the supplied context is cancelled. ChainHead reports
// the current chain tip so the registry can pin a fresh listener's scan
// window before the watcher exists.
type WatcherFactory interface {
	ChainHead(ctx context.Context) (uint64, error)
	Start(ctx context.Context, cfg watcher.Config) (<-chan watcher.Result, error)
}

// Config tunes the registry.
type Config struct {
	ChainID    uint64
	SessionTTL time.Duration
}

// IssueParams describes one stealth address issuance request.
type IssueParams struct {
	MerchantID   string
	TokenAddress string
	TokenAmount  string
	DeviceID     string
	Timeout      time.Duration
	ReuseSession bool
}

type listenerState struct {
	handle ListenerHandle
	cancel context.CancelFunc
}

// Registry owns the canonical session records and the listener index. It is
// the only writer of session state; watchers report outcomes back through
// their result channels and the registry applies the transition.
type Registry struct {
	store     *storage.Storage
	predictor *settlement.Predictor
	watchers  WatcherFactory
	nonces    *NonceAllocator
	metrics   *observability.EngineMetrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
	listeners    map[string]*listenerState
	expiryTimers map[string]*time.Timer
}

// NewRegistry constructs the session registry.
func NewRegistry(store *storage.Storage, predictor *settlement.Predictor, watchers WatcherFactory, cfg Config, logger *slog.Logger) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: store required")
	}
	if predictor == nil {
		return nil, fmt.Errorf("engine: settlement predictor required")
	}
	if watchers == nil {
		return nil, fmt.Errorf("engine: watcher factory required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:        store,
		predictor:    predictor,
		watchers:     watchers,
		nonces:       NewNonceAllocator(store),
		metrics:      observability.Engine(),
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
		baseCtx:      ctx,
		cancelAll:    cancel,
		sessionLocks: make(map[string]*sync.Mutex),
		listeners:    make(map[string]*listenerState),
		expiryTimers: make(map[string]*time.Timer),
	}, nil
}

// Close stops every watcher and waits for their consumers to drain.
func (r *Registry) Close() {
	r.cancelAll()
	r.mu.Lock()
	for _, timer := range r.expiryTimers {
		timer.Stop()
	}
	r.expiryTimers = make(map[string]*time.Timer)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) sessionLock(paymentID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.sessionLocks[paymentID]
	if !ok {
		lock = &sync.Mutex{}
		r.sessionLocks[paymentID] = lock
	}
	return lock
}

func listenerKey(address, token string) string {
	return strings.ToLower(strings.TrimSpace(address)) + "|" + strings.ToLower(strings.TrimSpace(token))
}

func listenerID(address, token string) string {
	digest := blake3.Sum256([]byte(listenerKey(address, token)))
	return hex.EncodeToString(digest[:16])
}

// RegisterMerchant stores merchant key material and returns the canonical
// bech32 handle derived from the spending public key.
func (r *Registry) RegisterMerchant(ctx context.Context, viewingKey, spendingPub []byte, chainID uint64, tokens []string) (crypto.Handle, error) {
	viewing, err := crypto.PrivateKeyFromBytes(viewingKey)
	if err != nil {
		return crypto.Handle{}, err
	}
	spending, err := crypto.PublicKeyFromBytes(spendingPub)
	if err != nil {
		return crypto.Handle{}, err
	}
	material := crypto.MerchantKeyMaterial{ViewingKey: viewing, SpendingPub: spending}
	if err := material.Validate(); err != nil {
		return crypto.Handle{}, err
	}
	handle, err := crypto.HandleFromSpendingKey(spending)
	if err != nil {
		return crypto.Handle{}, err
	}
	if chainID == 0 {
		chainID = r.cfg.ChainID
	}
	normalized := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if trimmed := strings.ToLower(strings.TrimSpace(token)); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	rec := storage.MerchantRecord{
		Handle:      handle.String(),
		ViewingKey:  viewingKey,
		SpendingPub: spendingPub,
		ChainID:     chainID,
		Tokens:      normalized,
	}
	if err := r.store.SaveMerchant(ctx, rec); err != nil {
		return crypto.Handle{}, fmt.Errorf("register merchant: %w", err)
	}
	return handle, nil
}

func (r *Registry) loadMaterial(ctx context.Context, merchantID string) (storage.MerchantRecord, crypto.MerchantKeyMaterial, error) {
	rec, err := r.store.GetMerchant(ctx, merchantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return rec, crypto.MerchantKeyMaterial{}, ErrMerchantNotFound
		}
		return rec, crypto.MerchantKeyMaterial{}, fmt.Errorf("load merchant: %w", err)
	}
	viewing, err := crypto.PrivateKeyFromBytes(rec.ViewingKey)
	if err != nil {
		return rec, crypto.MerchantKeyMaterial{}, err
	}
	spending, err := crypto.PublicKeyFromBytes(rec.SpendingPub)
	if err != nil {
		return rec, crypto.MerchantKeyMaterial{}, err
	}
	return rec, crypto.MerchantKeyMaterial{ViewingKey: viewing, SpendingPub: spending}, nil
}

func tokenAllowed(rec storage.MerchantRecord, token string) bool {
	if len(rec.Tokens) == 0 {
		return true
	}
	needle := strings.ToLower(strings.TrimSpace(token))
	for _, allowed := range rec.Tokens {
		if strings.ToLower(strings.TrimSpace(allowed)) == needle {
			return true
		}
	}
	return false
}

// Issue derives a fresh stealth address, predicts its settlement address, and
// opens a pending session. With ReuseSession set, an open session for the
// same (merchant, device, token, amount) context is returned instead and the
// nonce is not advanced.
func (r *Registry) Issue(ctx context.Context, params IssueParams) (Session, error) {
	start := r.now()
	merchant, material, err := r.loadMaterial(ctx, params.MerchantID)
	if err != nil {
		return Session{}, err
	}
	// The stored context is the normalized one: a checksummed token address
	// must hit the same session as its lowercase form on reuse.
	token := strings.ToLower(strings.TrimSpace(params.TokenAddress))
	device := strings.TrimSpace(params.DeviceID)
	amountStr := strings.TrimSpace(params.TokenAmount)
	if !tokenAllowed(merchant, token) {
		return Session{}, fmt.Errorf("%w: %s", ErrTokenNotAllowed, params.TokenAddress)
	}
	amount, err := uint256.FromDecimal(amountStr)
	if err != nil || amount.IsZero() {
		return Session{}, fmt.Errorf("%w: %q", ErrAmountInvalid, params.TokenAmount)
	}

	if params.ReuseSession {
		existing, found, err := r.store.FindOpenSession(ctx, params.MerchantID, device, token, amountStr)
		if err != nil {
			return Session{}, fmt.Errorf("find open session: %w", err)
		}
		if found {
			r.metrics.RecordReuse()
			return sessionFromRecord(existing), nil
		}
	}

	nonce, err := r.nonces.Next(ctx, params.MerchantID)
	if err != nil {
		return Session{}, err
	}
	derivation, err := crypto.Derive(material, nonce)
	if err != nil {
		return Session{}, err
	}
	prediction := r.predictor.PredictWithStatus(ctx, derivation.StealthAddress)

	ttl := params.Timeout
	if ttl <= 0 {
		ttl = r.cfg.SessionTTL
	}
	now := r.now().UTC()
	chainID := merchant.ChainID
	if chainID == 0 {
		chainID = r.cfg.ChainID
	}
	rec := storage.SessionRecord{
		PaymentID:         uuid.NewString(),
		MerchantID:        params.MerchantID,
		DeviceID:          device,
		Nonce:             nonce,
		StealthAddress:    derivation.StealthAddress.Hex(),
		SettlementAddress: prediction.SettlementAddress.Hex(),
		TokenAddress:      token,
		TokenAmount:       amountStr,
		ChainID:           chainID,
		Status:            string(StatusPending),
		ExpiresAt:         now.Add(ttl),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.store.InsertSession(ctx, rec); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	r.armExpiry(rec.PaymentID, rec.ExpiresAt)
	r.metrics.RecordIssued(strconv.FormatUint(chainID, 10), r.now().Sub(start))
	r.logger.Info("stealth address issued",
		"payment", rec.PaymentID, "merchant", params.MerchantID,
		"chain", chainID, "nonce", nonce)
	return sessionFromRecord(rec), nil
}

// armExpiry schedules the deadline for a session that may never get a
// listener. The transition guard makes a late fire harmless.
func (r *Registry) armExpiry(paymentID string, expiresAt time.Time) {
	timer := time.AfterFunc(time.Until(expiresAt), func() {
		if err := r.Expire(context.Background(), paymentID); err != nil {
			r.logger.Warn("deadline expiry failed", "payment", paymentID, "err", err)
		}
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.expiryTimers[paymentID]; ok {
		old.Stop()
	}
	r.expiryTimers[paymentID] = timer
}

func (r *Registry) disarmExpiry(paymentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.expiryTimers[paymentID]; ok {
		timer.Stop()
		delete(r.expiryTimers, paymentID)
	}
}

// StartListening attaches a chain watcher to a pending session. Re-attaching
// to an address that already has an active watcher returns the existing
// handle; a second watcher is never spawned for the same (address, token).
func (r *Registry) StartListening(ctx context.Context, paymentID string) (ListenerHandle, error) {
	lock := r.sessionLock(paymentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := r.store.GetSession(ctx, paymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ListenerHandle{}, ErrSessionNotFound
		}
		return ListenerHandle{}, fmt.Errorf("load session: %w", err)
	}
	status := Status(rec.Status)
	if status.Terminal() {
		return ListenerHandle{}, fmt.Errorf("%w: session is %s", ErrInvalidTransition, status)
	}

	key := listenerKey(rec.StealthAddress, rec.TokenAddress)
	r.mu.Lock()
	if existing, ok := r.listeners[key]; ok {
		r.mu.Unlock()
		return existing.handle, nil
	}
	r.mu.Unlock()

	return r.attach(ctx, rec, 0, rec.ExpiresAt)
}

// attach persists the handle, starts the watcher, and applies the
// pending->listening transition. Callers hold the session lock.
func (r *Registry) attach(ctx context.Context, rec storage.SessionRecord, startBlock uint64, deadline time.Time) (ListenerHandle, error) {
	key := listenerKey(rec.StealthAddress, rec.TokenAddress)
	now := r.now().UTC()

	// A fresh listener scans from the tip at attach time. The resolved head
	// is persisted as the initial checkpoint before the watcher starts, so a
	// crash before the first scan resumes from here, not from the
	// restart-time head.
	if startBlock == 0 {
		head, err := r.watchers.ChainHead(ctx)
		if err != nil {
			r.metrics.RecordWatcherError("head")
			return ListenerHandle{}, fmt.Errorf("resolve chain head: %w", err)
		}
		startBlock = head
	}
	handle := ListenerHandle{
		ListenerID:   listenerID(rec.StealthAddress, rec.TokenAddress),
		PaymentID:    rec.PaymentID,
		Address:      rec.StealthAddress,
		TokenAddress: rec.TokenAddress,
		ChainID:      rec.ChainID,
		StartedAt:    now,
		TimeoutAt:    deadline,
	}
	if err := r.store.SaveListener(ctx, storage.ListenerRecord{
		ListenerID:       handle.ListenerID,
		PaymentID:        handle.PaymentID,
		Address:          handle.Address,
		TokenAddress:     handle.TokenAddress,
		ChainID:          handle.ChainID,
		StartedAt:        handle.StartedAt,
		TimeoutAt:        handle.TimeoutAt,
		LastScannedBlock: startBlock,
	}); err != nil {
		return ListenerHandle{}, fmt.Errorf("persist listener: %w", err)
	}

	minAmount, err := uint256.FromDecimal(rec.TokenAmount)
	if err != nil {
		return ListenerHandle{}, fmt.Errorf("%w: %q", ErrAmountInvalid, rec.TokenAmount)
	}
	watcherCtx, cancel := context.WithCancel(r.baseCtx)
	results, err := r.watchers.Start(watcherCtx, watcher.Config{
		ListenerID: handle.ListenerID,
		PaymentID:  handle.PaymentID,
		Recipient:  common.HexToAddress(rec.StealthAddress),
		Token:      common.HexToAddress(rec.TokenAddress),
		MinAmount:  minAmount,
		Deadline:   deadline,
		StartBlock: startBlock,
	})
	if err != nil {
		cancel()
		if delErr := r.store.DeleteListener(ctx, handle.ListenerID); delErr != nil {
			r.logger.Warn("orphan listener cleanup failed", "listener", handle.ListenerID, "err", delErr)
		}
		r.metrics.RecordWatcherError("start")
		return ListenerHandle{}, fmt.Errorf("start watcher: %w", err)
	}

	if Status(rec.Status) == StatusPending {
		if _, err := r.store.TransitionSession(ctx, rec.PaymentID, string(StatusPending), string(StatusListening), now); err != nil {
			cancel()
			if delErr := r.store.DeleteListener(ctx, handle.ListenerID); delErr != nil {
				r.logger.Warn("orphan listener cleanup failed", "listener", handle.ListenerID, "err", delErr)
			}
			return ListenerHandle{}, fmt.Errorf("transition to listening: %w", err)
		}
	}

	r.mu.Lock()
	r.listeners[key] = &listenerState{handle: handle, cancel: cancel}
	r.mu.Unlock()
	r.metrics.ListenerAttached(1)

	r.wg.Add(1)
	go r.consume(key, handle, results)

	r.logger.Info("listener attached",
		"payment", rec.PaymentID, "listener", handle.ListenerID)
	return handle, nil
}

// consume waits for the watcher's single terminal emission and applies the
// resulting transition. A closed channel without emission means the watcher
// was cancelled; whoever cancelled it owns the cleanup.
func (r *Registry) consume(key string, handle ListenerHandle, results <-chan watcher.Result) {
	defer r.wg.Done()
	res, ok := <-results
	if !ok {
		return
	}
	ctx := context.Background()
	if res.TimedOut {
		if err := r.Expire(ctx, handle.PaymentID); err != nil {
			r.logger.Warn("expire after timeout failed", "payment", handle.PaymentID, "err", err)
		}
	} else if res.Event != nil {
		r.applyMatch(ctx, handle.PaymentID, res)
	}
	r.retireListener(ctx, key, handle.ListenerID)
}

func (r *Registry) applyMatch(ctx context.Context, paymentID string, res watcher.Result) {
	lock := r.sessionLock(paymentID)
	lock.Lock()
	defer lock.Unlock()
	now := r.now().UTC()
	applied, err := r.store.CompleteSession(ctx, paymentID,
		res.Event.TxHash.Hex(), res.Event.From.Hex(), res.Event.Amount.Dec(), now)
	if err != nil {
		r.logger.Error("record completion failed", "payment", paymentID, "err", err)
		return
	}
	if !applied {
		// Session already terminal: a duplicate or late funding event.
		r.logger.Info("funding event after terminal state ignored",
			"payment", paymentID, "tx", res.Event.TxHash.Hex())
		return
	}
	r.disarmExpiry(paymentID)
	r.metrics.RecordOutcome(string(StatusCompleted))
	r.logger.Info("session completed",
		"payment", paymentID, "tx", res.Event.TxHash.Hex(), "amount", res.Event.Amount.Dec())
}

func (r *Registry) retireListener(ctx context.Context, key, listenerID string) {
	r.mu.Lock()
	state, ok := r.listeners[key]
	if ok && state.handle.ListenerID == listenerID {
		delete(r.listeners, key)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	state.cancel()
	r.metrics.ListenerAttached(-1)
	if err := r.store.DeleteListener(ctx, listenerID); err != nil {
		r.logger.Warn("delete listener failed", "listener", listenerID, "err", err)
	}
}

// Expire moves a session to expired if it is still open. Already-terminal
// sessions are left untouched.
func (r *Registry) Expire(ctx context.Context, paymentID string) error {
	lock := r.sessionLock(paymentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := r.store.GetSession(ctx, paymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}
	status := Status(rec.Status)
	if status.Terminal() {
		return nil
	}
	applied, err := r.store.TransitionSession(ctx, paymentID, rec.Status, string(StatusExpired), r.now().UTC())
	if err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	if !applied {
		return nil
	}
	r.disarmExpiry(paymentID)
	r.metrics.RecordOutcome(string(StatusExpired))
	r.logger.Info("session expired", "payment", paymentID)
	return nil
}

// Cancel stops the session's watcher synchronously and marks the session
// cancelled. Cancelling a terminal or already-cancelled session is a no-op,
// not an error.
func (r *Registry) Cancel(ctx context.Context, paymentID string) error {
	lock := r.sessionLock(paymentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := r.store.GetSession(ctx, paymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}
	status := Status(rec.Status)
	if status.Terminal() {
		return nil
	}

	key := listenerKey(rec.StealthAddress, rec.TokenAddress)
	r.mu.Lock()
	state, attached := r.listeners[key]
	if attached && state.handle.PaymentID == paymentID {
		delete(r.listeners, key)
	} else {
		attached = false
	}
	r.mu.Unlock()
	if attached {
		// Cancelling the context closes the watcher's channel without an
		// emission, so no match can land after Cancel returns.
		state.cancel()
		r.metrics.ListenerAttached(-1)
		if err := r.store.DeleteListener(ctx, state.handle.ListenerID); err != nil {
			r.logger.Warn("delete listener failed", "listener", state.handle.ListenerID, "err", err)
		}
	}

	applied, err := r.store.TransitionSession(ctx, paymentID, rec.Status, string(StatusCancelled), r.now().UTC())
	if err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	if applied {
		r.disarmExpiry(paymentID)
		r.metrics.RecordOutcome(string(StatusCancelled))
		r.logger.Info("session cancelled", "payment", paymentID)
	}
	return nil
}

// GetByPaymentID returns a session snapshot.
func (r *Registry) GetByPaymentID(ctx context.Context, paymentID string) (Session, error) {
	rec, err := r.store.GetSession(ctx, paymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	return sessionFromRecord(rec), nil
}

// ListActiveByMerchant returns a merchant's open sessions.
func (r *Registry) ListActiveByMerchant(ctx context.Context, merchantID string) ([]Session, error) {
	records, err := r.store.ListActiveSessions(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	sessions := make([]Session, 0, len(records))
	for _, rec := range records {
		sessions = append(sessions, sessionFromRecord(rec))
	}
	return sessions, nil
}

// ListActiveListeners returns persisted listener handles, optionally scoped
// to one merchant.
func (r *Registry) ListActiveListeners(ctx context.Context, merchantID string) ([]ListenerHandle, error) {
	records, err := r.store.ListListeners(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list listeners: %w", err)
	}
	handles := make([]ListenerHandle, 0, len(records))
	for _, rec := range records {
		handles = append(handles, handleFromRecord(rec))
	}
	return handles, nil
}

// FundingStats aggregates a merchant's sessions by status and chain.
func (r *Registry) FundingStats(ctx context.Context, merchantID string) (storage.FundingStats, error) {
	stats, err := r.store.SessionStats(ctx, merchantID)
	if err != nil {
		return stats, fmt.Errorf("funding stats: %w", err)
	}
	return stats, nil
}

// Recover re-attaches watchers for sessions that were open when the process
// stopped. Sessions whose deadline already passed expire immediately;
// listening sessions resume from their persisted scan checkpoint.
func (r *Registry) Recover(ctx context.Context) error {
	sessions, err := r.store.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("list open sessions: %w", err)
	}
	listeners, err := r.store.ListListeners(ctx, "")
	if err != nil {
		return fmt.Errorf("list listeners: %w", err)
	}
	checkpoints := make(map[string]storage.ListenerRecord, len(listeners))
	for _, rec := range listeners {
		checkpoints[rec.PaymentID] = rec
	}

	now := r.now()
	for _, rec := range sessions {
		if !rec.ExpiresAt.After(now) {
			if err := r.Expire(ctx, rec.PaymentID); err != nil {
				r.logger.Warn("expire stale session failed", "payment", rec.PaymentID, "err", err)
			}
			if cp, ok := checkpoints[rec.PaymentID]; ok {
				if err := r.store.DeleteListener(ctx, cp.ListenerID); err != nil {
					r.logger.Warn("delete stale listener failed", "listener", cp.ListenerID, "err", err)
				}
			}
			continue
		}
		switch Status(rec.Status) {
		case StatusPending:
			r.armExpiry(rec.PaymentID, rec.ExpiresAt)
		case StatusListening:
			lock := r.sessionLock(rec.PaymentID)
			lock.Lock()
			startBlock := uint64(0)
			if cp, ok := checkpoints[rec.PaymentID]; ok {
				startBlock = cp.LastScannedBlock
			}
			if _, err := r.attach(ctx, rec, startBlock, rec.ExpiresAt); err != nil {
				r.logger.Error("re-attach listener failed", "payment", rec.PaymentID, "err", err)
			}
			lock.Unlock()
		}
	}
	r.logger.Info("session recovery complete", "open_sessions", len(sessions))
	return nil
}
