package mixer

import (
	"context"
	"errors"
	"math/rand"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcmixer/pkg/btcunit"
	"github.com/stretchr/testify/mock"
)

var (
	errMock      = errors.New("mock error")
	errLockMock  = errors.New("lock fail")
	errStoreMock = errors.New("store fail")
	errSinkMock  = errors.New("sink fail")
)

// testRand returns a deterministic random source so probabilistic paths are
// reproducible.
func testRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

// testOutPoint builds a distinct outpoint from a single byte.
func testOutPoint(i byte) wire.OutPoint {
	var hash chainhash.Hash
	for j := range hash {
		hash[j] = i
	}

	return wire.OutPoint{Hash: hash, Index: uint32(i)}
}

// outPointAt builds an outpoint on the given tx hash byte with a chosen
// index, for coins sharing an originating transaction.
func outPointAt(txByte byte, index uint32) wire.OutPoint {
	op := testOutPoint(txByte)
	op.Index = index

	return op
}

// p2wpkhScript builds a native segwit v0 key hash script whose hash bytes are
// all b.
func p2wpkhScript(b byte) []byte {
	script := make([]byte, 22)
	script[0] = 0x00
	script[1] = 0x14
	for i := 2; i < len(script); i++ {
		script[i] = b
	}

	return script
}

// p2trScript builds a taproot script whose program bytes are all b.
func p2trScript(b byte) []byte {
	script := make([]byte, 34)
	script[0] = 0x51
	script[1] = 0x20
	for i := 2; i < len(script); i++ {
		script[i] = b
	}

	return script
}

// resolved builds a confirmed resolved coin.
func resolved(op wire.OutPoint, amt btcutil.Amount, score float64,
	script []byte) *ResolvedCoin {

	return &ResolvedCoin{
		Coin: Coin{
			OutPoint:      op,
			Amount:        amt,
			PkScript:      script,
			Confirmations: 6,
		},
		AnonScore: score,
	}
}

// testParams returns round parameters with a 1 sat/vb mining fee and no
// coordination fee, permissive about input types and amounts.
func testParams() *RoundParameters {
	return &RoundParameters{
		MiningFeeRate: btcunit.NewSatPerKVByte(1000),
		MinInputCount: 1,
	}
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) ListUnspent(ctx context.Context) ([]*Coin, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*Coin), args.Error(1)
}

func (m *mockLedger) GetTransaction(ctx context.Context,
	txid chainhash.Hash) (*LedgerTx, error) {

	args := m.Called(ctx, txid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*LedgerTx), args.Error(1)
}

func (m *mockLedger) FilterOurOutputs(ctx context.Context,
	ops []wire.OutPoint) ([]wire.OutPoint, error) {

	args := m.Called(ctx, ops)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]wire.OutPoint), args.Error(1)
}

type mockLabelStore struct {
	mock.Mock
}

func (m *mockLabelStore) GetAttachments(ctx context.Context,
	keys AttachmentKeys) (*Attachments, error) {

	args := m.Called(ctx, keys)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*Attachments), args.Error(1)
}

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) TryLock(ctx context.Context,
	op wire.OutPoint) (bool, error) {

	args := m.Called(ctx, op)
	return args.Bool(0), args.Error(1)
}

func (m *mockLocker) Unlock(ctx context.Context, ops []wire.OutPoint) error {
	args := m.Called(ctx, ops)
	return args.Error(0)
}

func (m *mockLocker) FindLocks(ctx context.Context,
	ops []wire.OutPoint) (map[wire.OutPoint]struct{}, error) {

	args := m.Called(ctx, ops)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[wire.OutPoint]struct{}), args.Error(1)
}

// memLocker is an in-memory UtxoLocker for tests that exercise many lock
// operations where per-call expectations would only add noise.
type memLocker struct {
	locked map[wire.OutPoint]struct{}

	// failOn makes TryLock report the outpoint as taken.
	failOn map[wire.OutPoint]struct{}

	// errOn makes TryLock fail hard on the outpoint.
	errOn map[wire.OutPoint]struct{}
}

func newMemLocker() *memLocker {
	return &memLocker{
		locked: make(map[wire.OutPoint]struct{}),
		failOn: make(map[wire.OutPoint]struct{}),
		errOn:  make(map[wire.OutPoint]struct{}),
	}
}

func (l *memLocker) TryLock(_ context.Context,
	op wire.OutPoint) (bool, error) {

	if _, ok := l.errOn[op]; ok {
		return false, errLockMock
	}
	if _, ok := l.failOn[op]; ok {
		return false, nil
	}
	if _, ok := l.locked[op]; ok {
		return false, nil
	}

	l.locked[op] = struct{}{}

	return true, nil
}

func (l *memLocker) Unlock(_ context.Context, ops []wire.OutPoint) error {
	for _, op := range ops {
		delete(l.locked, op)
	}

	return nil
}

func (l *memLocker) FindLocks(_ context.Context,
	ops []wire.OutPoint) (map[wire.OutPoint]struct{}, error) {

	found := make(map[wire.OutPoint]struct{})
	for _, op := range ops {
		if _, ok := l.locked[op]; ok {
			found[op] = struct{}{}
		}
	}

	return found, nil
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Started(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockSink) Succeeded(ctx context.Context, roundID string,
	txid chainhash.Hash) error {

	args := m.Called(ctx, roundID, txid)
	return args.Error(0)
}

func (m *mockSink) Failed(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockPaymentSource struct {
	mock.Mock
}

func (m *mockPaymentSource) PendingPayments(ctx context.Context,
	params *RoundParameters) ([]*PendingPayment, error) {

	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*PendingPayment), args.Error(1)
}

type mockRecordStore struct {
	mock.Mock
}

func (m *mockRecordStore) AppendCoinjoinRecord(ctx context.Context,
	rec *CoinjoinRecord) error {

	args := m.Called(ctx, rec)
	return args.Error(0)
}
