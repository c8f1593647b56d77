package treasury

import (
	"CoinArena/internal/observability"
	"CoinArena/internal/testutil"
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	// Well-known development key.
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	recipient  = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

// ============================================================================
// RedisLocker
// ============================================================================

func TestRedisLocker_AcquireRelease(t *testing.T) {
	mr, rdb := testutil.SetupRedis(t)
	l := NewRedisLocker(rdb, 2*time.Second, time.Second)

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, mr.Exists("k"))

	release()
	assert.False(t, mr.Exists("k"))
}

func TestRedisLocker_TimesOutWhileHeld(t *testing.T) {
	_, rdb := testutil.SetupRedis(t)
	l := NewRedisLocker(rdb, 2*time.Second, 100*time.Millisecond)

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background(), "k")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestRedisLocker_ReleaseLeavesForeignLock(t *testing.T) {
	mr, rdb := testutil.SetupRedis(t)
	l := NewRedisLocker(rdb, 2*time.Second, time.Second)

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	// Our lock expired and another process took it.
	mr.FastForward(3 * time.Second)
	require.NoError(t, mr.Set("k", "someone-else"))

	release()
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_ExpiredLockCanBeTaken(t *testing.T) {
	mr, rdb := testutil.SetupRedis(t)
	l := NewRedisLocker(rdb, 2*time.Second, 200*time.Millisecond)

	_, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	mr.FastForward(3 * time.Second)

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
}

// ============================================================================
// NonceAllocator
// ============================================================================

type fakeNonceSource struct {
	next  atomic.Uint64
	err   error
	calls atomic.Int32
}

func (f *fakeNonceSource) PendingNonce(context.Context, string) (uint64, error) {
	f.calls.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	return f.next.Load(), nil
}

func newAllocator(t *testing.T, chain PendingNonceSource) (*NonceAllocator, func(key string) string) {
	t.Helper()
	mr, rdb := testutil.SetupRedis(t)
	locker := NewRedisLocker(rdb, 2*time.Second, 5*time.Second)
	a := NewNonceAllocator(rdb, locker, chain, 15000, observability.NewTestMetrics())
	get := func(key string) string {
		v, _ := mr.Get(key)
		return v
	}
	return a, get
}

func TestReserve_ConcurrentRangesAreContiguousAndDisjoint(t *testing.T) {
	chain := &fakeNonceSource{}
	chain.next.Store(5)
	a, _ := newAllocator(t, chain)

	sizes := []int{1, 3, 2, 5, 1, 4, 2, 1, 3, 2}
	type span struct{ start, end uint64 }
	spans := make([]span, len(sizes))

	var wg sync.WaitGroup
	for i, n := range sizes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start, err := a.Reserve(context.Background(), devAddress, n)
			if err != nil {
				t.Errorf("Reserve(%d): %v", n, err)
				return
			}
			spans[i] = span{start, start + uint64(n)}
		}()
	}
	wg.Wait()

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	total := uint64(0)
	for _, n := range sizes {
		total += uint64(n)
	}
	assert.Equal(t, uint64(5), spans[0].start)
	for i := 1; i < len(spans); i++ {
		assert.Equal(t, spans[i-1].end, spans[i].start, "ranges must abut without overlap")
	}
	assert.Equal(t, 5+total, spans[len(spans)-1].end)
}

func TestReserve_ReconcilesWithChain(t *testing.T) {
	chain := &fakeNonceSource{}
	a, get := newAllocator(t, chain)
	ctx := context.Background()
	key := "treasury:nonce:15000:0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266:next"

	chain.next.Store(10)
	start, err := a.Reserve(ctx, devAddress, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), start)
	assert.Equal(t, "13", get(key))

	// Cache ahead of the chain: the first block is not visible there yet.
	start, err = a.Reserve(ctx, devAddress, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), start)

	// Chain moved past a stale cache, e.g. after a restart with another signer.
	chain.next.Store(40)
	start, err = a.Reserve(ctx, devAddress, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), start)
	assert.Equal(t, "42", get(key))
}

func TestReserve_ChainErrorReleasesLock(t *testing.T) {
	chain := &fakeNonceSource{err: errors.New("connection reset")}
	a, get := newAllocator(t, chain)
	ctx := context.Background()

	_, err := a.Reserve(ctx, devAddress, 1)
	require.Error(t, err)
	assert.Empty(t, get("treasury:nonce:15000:0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266:lock"))

	chain.err = nil
	chain.next.Store(2)
	start, err := a.Reserve(ctx, devAddress, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), start)
}

func TestReserve_RejectsNonPositiveCount(t *testing.T) {
	chain := &fakeNonceSource{}
	a, _ := newAllocator(t, chain)
	_, err := a.Reserve(context.Background(), devAddress, 0)
	assert.Error(t, err)
	assert.Zero(t, chain.calls.Load())
}

// ============================================================================
// Signer
// ============================================================================

func TestSigner_AddressAndHash(t *testing.T) {
	s, err := NewSigner(devKey, 15000)
	require.NoError(t, err)
	assert.Equal(t, devAddress, s.Address())

	raw, hash, err := s.Sign(Transfer{
		Nonce:    7,
		To:       recipient,
		ValueWei: big.NewInt(1_000_000_000_000_000_000),
		GasPrice: big.NewInt(1_200_000_000),
		GasLimit: 60000,
	})
	require.NoError(t, err)

	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(raw))
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(15000)), &tx)
	require.NoError(t, err)
	assert.Equal(t, devAddress, from.Hex())
}

func TestSigner_RejectsBadInput(t *testing.T) {
	_, err := NewSigner("not-a-key", 1)
	assert.Error(t, err)

	s, err := NewSigner(devKey[2:], 1)
	require.NoError(t, err)
	_, _, err = s.Sign(Transfer{To: "0x1234", ValueWei: big.NewInt(1), GasPrice: big.NewInt(1)})
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

// ============================================================================
// RPCChain
// ============================================================================

type ethService struct {
	count hexutil.Uint64
	delay time.Duration
	mu    sync.Mutex
	sent  []hexutil.Bytes
}

func (s *ethService) GetTransactionCount(addr string, block string) hexutil.Uint64 {
	return s.count
}

func (s *ethService) GasPrice(ctx context.Context) (*hexutil.Big, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return (*hexutil.Big)(big.NewInt(2_000_000_000)), nil
}

func (s *ethService) SendRawTransaction(raw hexutil.Bytes) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, raw)
	return "0xabc", nil
}

func (s *ethService) GetTransactionByHash(hash string) *map[string]string {
	return nil
}

func (s *ethService) GetTransactionReceipt(hash string) *map[string]string {
	return nil
}

type quaiService struct{ receiptKnown bool }

func (q *quaiService) GetTransactionByHash(hash string) *map[string]string {
	return nil
}

func (q *quaiService) GetTransactionReceipt(hash string) *map[string]string {
	if !q.receiptKnown {
		return nil
	}
	return &map[string]string{"transactionHash": hash}
}

func newTestChain(t *testing.T, eth *ethService, quai *quaiService, timeout time.Duration) *RPCChain {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", eth))
	require.NoError(t, srv.RegisterName("quai", quai))
	t.Cleanup(srv.Stop)
	c := NewRPCChain(rpc.DialInProc(srv), timeout, observability.NewTestMetrics())
	t.Cleanup(c.Close)
	return c
}

func TestRPCChain_Calls(t *testing.T) {
	eth := &ethService{count: 9}
	c := newTestChain(t, eth, &quaiService{}, time.Second)
	ctx := context.Background()

	n, err := c.PendingNonce(ctx, devAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)

	price, err := c.GasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000_000), price.Int64())

	hash, err := c.SendRawTransaction(ctx, []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", hash)
	require.Len(t, eth.sent, 1)
	assert.Equal(t, hexutil.Bytes{0x01, 0x02}, eth.sent[0])
}

func TestRPCChain_TimeoutIsReported(t *testing.T) {
	c := newTestChain(t, &ethService{delay: time.Second}, &quaiService{}, 50*time.Millisecond)
	_, err := c.GasPrice(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRPCChain_TransactionKnownFallsBack(t *testing.T) {
	quai := &quaiService{}
	c := newTestChain(t, &ethService{}, quai, time.Second)
	ctx := context.Background()

	known, err := c.TransactionKnown(ctx, "0xdead")
	require.NoError(t, err)
	assert.False(t, known)

	quai.receiptKnown = true
	known, err = c.TransactionKnown(ctx, "0xdead")
	require.NoError(t, err)
	assert.True(t, known)
}
