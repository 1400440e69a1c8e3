package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stealthpay/crypto"
	"stealthpay/settlement"
	"stealthpay/storage"
	"stealthpay/watcher"
)

type fakeWatch struct {
	cfg  watcher.Config
	ch   chan watcher.Result
	once sync.Once
}

func (w *fakeWatch) emit(res watcher.Result) {
	w.once.Do(func() {
		w.ch <- res
		close(w.ch)
	})
}

func (w *fakeWatch) closeEmpty() {
	w.once.Do(func() { close(w.ch) })
}

type fakeFactory struct {
	mu      sync.Mutex
	head    uint64
	watches []*fakeWatch
	err     error
}

func (f *fakeFactory) ChainHead(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeFactory) Start(ctx context.Context, cfg watcher.Config) (<-chan watcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w := &fakeWatch{cfg: cfg, ch: make(chan watcher.Result, 1)}
	f.watches = append(f.watches, w)
	go func() {
		<-ctx.Done()
		w.closeEmpty()
	}()
	return w.ch, nil
}

func (f *fakeFactory) watch(t *testing.T, i int) *fakeWatch {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.watches) {
		t.Fatalf("watch %d not started (have %d)", i, len(f.watches))
	}
	return f.watches[i]
}

func (f *fakeFactory) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watches)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Registry, *fakeFactory, *storage.Storage) {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	params, err := settlement.ParamsForChain(1)
	if err != nil {
		t.Fatalf("chain params: %v", err)
	}
	factory := &fakeFactory{head: 100}
	reg, err := NewRegistry(store, settlement.NewPredictor(params, nil, discardLogger()), factory,
		Config{ChainID: 1, SessionTTL: time.Hour}, discardLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)
	return reg, factory, store
}

const testToken = "0x3333333333333333333333333333333333333333"

func registerTestMerchant(t *testing.T, reg *Registry, tokens ...string) string {
	t.Helper()
	viewing, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate viewing key: %v", err)
	}
	spending, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate spending key: %v", err)
	}
	handle, err := reg.RegisterMerchant(context.Background(), viewing.Bytes(), spending.PubKey().Compressed(), 1, tokens)
	if err != nil {
		t.Fatalf("register merchant: %v", err)
	}
	return handle.String()
}

func waitForStatus(t *testing.T, reg *Registry, paymentID string, want Status) Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		sess, err := reg.GetByPaymentID(context.Background(), paymentID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status == want {
			return sess
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s stuck in %s, want %s", paymentID, sess.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIssueCreatesPendingSession(t *testing.T) {
	reg, _, _ := newTestEngine(t)
	merchant := registerTestMerchant(t, reg, testToken)

	sess, err := reg.Issue(context.Background(), IssueParams{
		MerchantID:   merchant,
		TokenAddress: testToken,
		TokenAmount:  "10000000",
		DeviceID:     "pos-7",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if sess.Status != StatusPending {
		t.Fatalf("status = %s, want pending", sess.Status)
	}
	if sess.Nonce != 0 {
		t.Fatalf("first nonce = %d, want 0", sess.Nonce)
	}
	if sess.StealthAddress == "" || sess.SettlementAddress == "" {
		t.Fatalf("missing derived addresses: %+v", sess)
	}
	if sess.StealthAddress == sess.SettlementAddress {
		t.Fatal("stealth and settlement addresses must differ")
	}
	if !sess.ExpiresAt.After(time.Now()) {
		t.Fatalf("expiry %s not in the future", sess.ExpiresAt)
	}
}

func TestIssueAdvancesNonceAndAddresses(t *testing.T) {
	reg, _, _ := newTestEngine(t)
	merchant := registerTestMerchant(t, reg, testToken)

	params := IssueParams{MerchantID: merchant, TokenAddress: testToken, TokenAmount: "5000000"}
	first, err := reg.Issue(context.Background(), params)
	if err != nil {
		t.Fatalf("issue first: %v", err)
	}
	second, err := reg.Issue(context.Background(), params)
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}
	if second.Nonce != first.Nonce+1 {
		t.Fatalf("nonces %d, %d: want consecutive", first.Nonce, second.Nonce)
	}
	if first.StealthAddress == second.StealthAddress {
		t.Fatal("consecutive issuances produced the same stealth address")
	}
	if first.PaymentID == second.PaymentID {
		t.Fatal("payment ids must be unique")
	}
}

func TestIssueValidation(t *testing.T) {
	reg, _, _ := newTestEngine(t)
	merchant := registerTestMerchant(t, reg, testToken)

	if _, err := reg.Issue(context.Background(), IssueParams{
		MerchantID: "spm-missing", TokenAddress: testToken, TokenAmount: "100",
	}); !errors.Is(err, ErrMerchantNotFound) {
		t.Fatalf("unknown merchant: err = %v, want ErrMerchantNotFound", err)
	}
	if _, err := reg.Issue(context.Background(), IssueParams{
		MerchantID: merchant, TokenAddress: "0x9999999999999999999999999999999999999999", TokenAmount: "100",
	}); !errors.Is(err, ErrTokenNotAllowed) {
		t.Fatalf("off-whitelist token: err = %v, want ErrTokenNotAllowed", err)
	}
	for _, amount := range []string{"", "0", "-5", "1.5", "ten"} {
		if _, err := reg.Issue(context.Background(), IssueParams{
			MerchantID: merchant, TokenAddress: testToken, TokenAmount: amount,
		}); !errors.Is(err, ErrAmountInvalid) {
			t.Fatalf("amount %q: err = %v, want ErrAmountInvalid", amount, err)
		}
	}
}

func TestReuseReturnsOpenSessionWithoutNewNonce(t *testing.T) {
	reg, _, _ := newTestEngine(t)
	merchant := registerTestMerchant(t, reg, testToken)

	params := IssueParams{
		MerchantID:   merchant,
		TokenAddress: testToken,
		TokenAmount:  "10000000",
		DeviceID:     "pos-1",
		ReuseSession: true,
	}
	first, err := reg.Issue(context.Background(), params)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	again, err := reg.Issue(context.Background(), params)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if again.PaymentID != first.PaymentID {
		t.Fatalf("reuse returned new session %s, want %s", again.PaymentID, first.PaymentID)
	}

	// A different device is a different payment context and must get a
	// fresh address with the next nonce, not a reused one.
	other := params
	other.DeviceID = "pos-2"
	fresh, err := reg.Issue(context.Background(), other)
	if err != nil {
		t.Fatalf("issue other device: %v", err)
	}
	if fresh.PaymentID == first.PaymentID {
		t.Fatal("different device reused the session")
	}
	if fresh.Nonce != first.Nonce+1 {
		t.Fatalf("fresh nonce = %d, want %d", fresh.Nonce, first.Nonce+1)
	}
}

func TestListenAndComplete(t *testing.T) {
	reg, factory, _ := newTestEngine(t)
	merchant := registerTestMerchant(t, reg, testToken)

	sess, err := reg.Issue(context.Background(), IssueParams{
		MerchantID: merchant, TokenAddress: testToken, TokenAmount: "10000000",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	handle, err := reg.StartListening(context.Background(), sess.PaymentID)
	if err != nil {
		t.Fatalf("start listening: %v", err)
	}
	if handle.PaymentID != sess.PaymentID {
		t.Fatalf("handle payment = %s, want %s", handle.PaymentID, sess.PaymentID)
	}
	listening := waitForStatus(t, reg, sess.PaymentID, StatusListening)
	if listening.TxHash != "" {
		t.Fatalf("listening session already has tx hash %q", listening.TxHash)
	}

	w := factory.watch(t, 0)
	if got := w.cfg.Recipient; got != common.HexToAddress(sess.StealthAddress) {
		t.Fatalf("watcher recipient = %s, want %s", got.Hex(), sess.StealthAddress)
	}
	txHash := common.HexToHash("0xabc1")
	w.emit(watcher.Result{
		ListenerID: handle.ListenerID,
		PaymentID:  handle.PaymentID,
		Event: &watcher.Event{
			TxHash: txHash,
			From:   common.HexToAddress("0x4444444444444444444444444444444444444444"),
			Amount: uint256.NewInt(10500000),
			Block:  120,
		},
	})

	done := waitForStatus(t, reg, sess.PaymentID, StatusCompleted)
	if done.TxHash != txHash.Hex() {
		t.Fatalf("tx hash = %s, want %s", done.TxHash, txHash.Hex())
	}
	if done.ActualAmount != "10500000" {
		t.Fatalf("actual amount = %s, want 10500000", done.ActualAmount)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed session missing completion time")
	}

	// The listener retires with the watcher.
	deadline := time.Now().Add(5 * time.Second)
	for {
		handles, err := reg.ListActiveListeners(context.Background(), "")
		if err != nil {
			t.Fatalf("list listeners: %v", err)
		}
		if len(handles) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener still registered: %+v", handles)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestListenTimeoutExpiresSession(t *testing.T) {
	reg, factory, _ := newTestEngine(t)
	merchant := registerTestMerchant(t, reg, testToken)

	sess, err := reg.Issue(context.Background(), IssueParams{
		MerchantID: merchant, TokenAddress: testToken, TokenAmount: "10000000",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	handle, err := reg.StartListening(context.Background(), sess.PaymentID)
	if err != nil {
		t.Fatalf("start listening: %v", err)
	}
	factory.watch(t, 0).emit(watcher.Result{
		ListenerID: handle.ListenerID,
		PaymentID:  handle.PaymentID,
		TimedOut:   true,
	})
	expired := waitForStatus(t, reg, sess.PaymentID, StatusExpired)
	if expired.TxHash != "" {
		t.Fatalf("expired session carries tx hash %q", expired.TxHash)
	}
}

func TestStartListeningIsIdempotent(t *testing.T) {
	reg, factory, _ := newTestEngine(t)
	merchant := registerTestMerchant(t, reg, testToken)

	sess, err := reg.Issue(context.Background(), IssueParams{
		MerchantID: merchant, TokenAddress: testToken, TokenAmount: "10000000",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	first, err := reg.StartListening(context.Background(), sess.PaymentID)
	if err != nil {
		t.Fatalf("start listening: %v", err)
	}
	second, err := reg.StartListening(context.Background(), sess.PaymentID)
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if second.ListenerID != first.ListenerID {
		t.Fatalf("re-attach returned listener %s, want %s", second.ListenerID, first.ListenerID)
	}
	if n := factory.startedCount(); n != 1 {
		t.Fatalf("%d watchers started, want 1", n)
	}
}

func TestCancelStopsWatcherAndIsIdempotent(t *testing.T) {
	reg, factory, _ := newTestEngine(t)
	merchant := registerTestMerchant(t, reg, testToken)

	sess, err := reg.Issue(context.Background(), IssueParams{
		MerchantID: merchant, TokenAddress: testToken, TokenAmount: "10000000",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := reg.StartListening(context.Background(), sess.PaymentID); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	if err := reg.Cancel(context.Background(), sess.PaymentID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cancelled := waitForStatus(t, reg, sess.PaymentID, StatusCancelled)
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	handles, err := reg.ListActiveListeners(context.Background(), "")
	if err != nil {
		t.Fatalf("list listeners: %v", err)
	}
	if len(handles) != 0 {
		t.Fatalf("cancel left listeners registered: %+v", handles)
	}

	// A late match delivered after cancellation must not resurrect the session.
	factory.watch(t, 0).emit(watcher.Result{
		PaymentID: sess.PaymentID,
		Event: &watcher.Event{
			TxHash: common.HexToHash("0xdead"),
			Amount: uint256.NewInt(10000000),
		},
	})
	time.Sleep(50 * time.Millisecond)
	after, err := reg.GetByPaymentID(context.Background(), sess.PaymentID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if after.Status != StatusCancelled || after.TxHash != "" {
		t.Fatalf("late event mutated cancelled session: %+v", after)
	}

	if err := reg.Cancel(context.Background(), sess.PaymentID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := reg.Cancel(context.Background(), "no-such-payment"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("cancel unknown: err = %v, want ErrSessionNotFound", err)
	}
}

func TestRecoverReattachesFromCheckpoint(t *testing.T) {
	reg, factory, store := newTestEngine(t)
	ctx := context.Background()

	now := time.Now().UTC()
	live := storage.SessionRecord{
		PaymentID:         "pay-live",
		MerchantID:        "spm-merchant",
		Nonce:             3,
		StealthAddress:    "0x1111111111111111111111111111111111111111",
		SettlementAddress: "0x2222222222222222222222222222222222222222",
		TokenAddress:      testToken,
		TokenAmount:       "10000000",
		ChainID:           1,
		Status:            string(StatusListening),
		ExpiresAt:         now.Add(10 * time.Minute),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := store.InsertSession(ctx, live); err != nil {
		t.Fatalf("insert live session: %v", err)
	}
	if err := store.SaveListener(ctx, storage.ListenerRecord{
		ListenerID:       "lst-live",
		PaymentID:        live.PaymentID,
		Address:          live.StealthAddress,
		TokenAddress:     live.TokenAddress,
		ChainID:          1,
		StartedAt:        now,
		TimeoutAt:        live.ExpiresAt,
		LastScannedBlock: 41,
	}); err != nil {
		t.Fatalf("save listener: %v", err)
	}

	stale := live
	stale.PaymentID = "pay-stale"
	stale.Nonce = 4
	stale.StealthAddress = "0x5555555555555555555555555555555555555555"
	stale.Status = string(StatusPending)
	stale.ExpiresAt = now.Add(-time.Minute)
	if err := store.InsertSession(ctx, stale); err != nil {
		t.Fatalf("insert stale session: %v", err)
	}

	if err := reg.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n := factory.startedCount(); n != 1 {
		t.Fatalf("%d watchers after recovery, want 1", n)
	}
	if got := factory.watch(t, 0).cfg.StartBlock; got != 41 {
		t.Fatalf("recovered start block = %d, want 41", got)
	}
	recovered := waitForStatus(t, reg, live.PaymentID, StatusListening)
	if recovered.Status != StatusListening {
		t.Fatalf("recovered status = %s", recovered.Status)
	}
	expired := waitForStatus(t, reg, stale.PaymentID, StatusExpired)
	if expired.Status != StatusExpired {
		t.Fatalf("stale status = %s", expired.Status)
	}
}

func TestReuseMatchesChecksummedTokenAddress(t *testing.T) {
	reg, _, _ := newTestEngine(t)
	merchant := registerTestMerchant(t, reg, "0x00000000000000000000000000000000deadbeef")

	// EIP-55 checksummed and lowercase forms of the same token must resolve
	// to the same open session.
	checksummed := "0x00000000000000000000000000000000DeaDBeef"
	first, err := reg.Issue(context.Background(), IssueParams{
		MerchantID:   merchant,
		TokenAddress: checksummed,
		TokenAmount:  "10000000",
		DeviceID:     "pos-1",
		ReuseSession: true,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	again, err := reg.Issue(context.Background(), IssueParams{
		MerchantID:   merchant,
		TokenAddress: checksummed,
		TokenAmount:  "10000000",
		DeviceID:     "pos-1",
		ReuseSession: true,
	})
	if err != nil {
		t.Fatalf("reissue checksummed: %v", err)
	}
	if again.PaymentID != first.PaymentID {
		t.Fatalf("checksummed reissue opened session %s, want %s", again.PaymentID, first.PaymentID)
	}
	if again.Nonce != first.Nonce {
		t.Fatalf("checksummed reissue advanced nonce to %d", again.Nonce)
	}
	lower, err := reg.Issue(context.Background(), IssueParams{
		MerchantID:   merchant,
		TokenAddress: "0x00000000000000000000000000000000deadbeef",
		TokenAmount:  "10000000",
		DeviceID:     "pos-1",
		ReuseSession: true,
	})
	if err != nil {
		t.Fatalf("reissue lowercase: %v", err)
	}
	if lower.PaymentID != first.PaymentID {
		t.Fatalf("lowercase reissue opened session %s, want %s", lower.PaymentID, first.PaymentID)
	}
}

func TestAttachPersistsInitialCheckpoint(t *testing.T) {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	params, err := settlement.ParamsForChain(1)
	if err != nil {
		t.Fatalf("chain params: %v", err)
	}
	cfg := Config{ChainID: 1, SessionTTL: time.Hour}

	factory := &fakeFactory{head: 100}
	reg, err := NewRegistry(store, settlement.NewPredictor(params, nil, discardLogger()), factory, cfg, discardLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	merchant := registerTestMerchant(t, reg, testToken)
	sess, err := reg.Issue(context.Background(), IssueParams{
		MerchantID: merchant, TokenAddress: testToken, TokenAmount: "10000000",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	handle, err := reg.StartListening(context.Background(), sess.PaymentID)
	if err != nil {
		t.Fatalf("start listening: %v", err)
	}
	if got := factory.watch(t, 0).cfg.StartBlock; got != 100 {
		t.Fatalf("fresh scan starts at block %d, want attach-time head 100", got)
	}
	persisted, err := store.GetListener(context.Background(), handle.ListenerID)
	if err != nil {
		t.Fatalf("get listener: %v", err)
	}
	if persisted.LastScannedBlock != 100 {
		t.Fatalf("persisted checkpoint = %d, want 100", persisted.LastScannedBlock)
	}

	// Crash before any scan completes, then restart with the chain advanced.
	// Recovery must resume from the attach-time head, not the new tip.
	reg.Close()
	restarted := &fakeFactory{head: 151}
	reg2, err := NewRegistry(store, settlement.NewPredictor(params, nil, discardLogger()), restarted, cfg, discardLogger())
	if err != nil {
		t.Fatalf("new registry after restart: %v", err)
	}
	t.Cleanup(reg2.Close)
	if err := reg2.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := restarted.watch(t, 0).cfg.StartBlock; got != 100 {
		t.Fatalf("recovered scan starts at block %d, want 100", got)
	}
}

func TestIssueAfterPriorAllocations(t *testing.T) {
	reg, factory, store := newTestEngine(t)
	merchant := registerTestMerchant(t, reg, testToken)

	for i := 0; i < 5; i++ {
		if _, err := store.NextNonce(context.Background(), merchant); err != nil {
			t.Fatalf("advance nonce: %v", err)
		}
	}

	sess, err := reg.Issue(context.Background(), IssueParams{
		MerchantID: merchant, TokenAddress: testToken, TokenAmount: "10",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if sess.Nonce != 5 {
		t.Fatalf("nonce = %d, want 5", sess.Nonce)
	}
	handle, err := reg.StartListening(context.Background(), sess.PaymentID)
	if err != nil {
		t.Fatalf("start listening: %v", err)
	}
	factory.watch(t, 0).emit(watcher.Result{
		ListenerID: handle.ListenerID,
		PaymentID:  handle.PaymentID,
		Event: &watcher.Event{
			TxHash: common.HexToHash("0xfeed"),
			From:   common.HexToAddress("0x4444444444444444444444444444444444444444"),
			Amount: uint256.NewInt(10),
			Block:  7,
		},
	})
	done := waitForStatus(t, reg, sess.PaymentID, StatusCompleted)
	if done.ActualAmount != "10" {
		t.Fatalf("actual amount = %q, want 10", done.ActualAmount)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusListening, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusCompleted, true},
		{StatusListening, StatusCompleted, true},
		{StatusListening, StatusExpired, true},
		{StatusListening, StatusCancelled, true},
		{StatusListening, StatusPending, false},
		{StatusCompleted, StatusExpired, false},
		{StatusExpired, StatusListening, false},
		{StatusCancelled, StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
