package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/infra/dbtx"
)

func setupSQL(t *testing.T) *SQL {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	l, err := NewSQL(db)
	require.NoError(t, err)
	return l
}

func TestSQL_DebitCredit(t *testing.T) {
	l := setupSQL(t)
	ctx := context.Background()

	require.NoError(t, l.Deposit(ctx, "alice", 100_000000))
	require.NoError(t, l.Debit(ctx, "alice", 40_000000))
	require.ErrorIs(t, l.Debit(ctx, "alice", 60_000001), domain.ErrInsufficientFunds)
	require.ErrorIs(t, l.Debit(ctx, "ghost", 1), domain.ErrInsufficientFunds)
	require.NoError(t, l.Credit(ctx, "bob", 7))
	require.NoError(t, l.Credit(ctx, "bob", 3))

	bal, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(60_000000), bal)

	bal, err = l.Balance(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(10), bal)

	bal, err = l.Balance(ctx, "ghost")
	require.NoError(t, err)
	require.Zero(t, bal)

	entries, err := l.Entries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "CREDIT", entries[0].Kind)
	require.Equal(t, "DEBIT", entries[1].Kind)
	require.Equal(t, int64(60_000000), entries[1].BalanceAfter)
}

func TestSQL_ApplyRollsBack(t *testing.T) {
	l := setupSQL(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, "alice", 100))

	err := l.Apply(ctx, []domain.Movement{
		{Kind: domain.MoveCredit, Account: "bob", Amount: 30},
		{Kind: domain.MoveDebit, Account: "alice", Amount: 500},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	bob, err := l.Balance(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, bob)

	entries, err := l.Entries(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSQL_EscrowPositionsAndVerify(t *testing.T) {
	l := setupSQL(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, "buyer", 100))

	lock := domain.Movement{Kind: domain.MoveDebit, Account: "buyer", Amount: 60,
		Memo: "lock E1", EscrowID: "E1", ListingID: "L1"}
	require.NoError(t, l.Apply(ctx, []domain.Movement{lock}))
	require.NoError(t, l.Apply(ctx, []domain.Movement{
		{Kind: domain.MoveDebit, Account: "buyer", Amount: 30, Memo: "lock E2", EscrowID: "E2", ListingID: "L2"},
	}))
	require.NoError(t, l.Apply(ctx, []domain.Movement{
		{Kind: domain.MoveCredit, Account: "seller", Amount: 20, Memo: "release E2", EscrowID: "E2", ListingID: "L2"},
		{Kind: domain.MoveCredit, Account: "platform", Amount: 10, Memo: "fee E2", EscrowID: "E2", ListingID: "L2"},
	}))

	all, err := l.EscrowPositions(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []domain.EscrowPosition{
		{EscrowID: "E1", ListingID: "L1", Net: 60},
		{EscrowID: "E2", ListingID: "L2", Net: 0},
	}, all)

	one, err := l.EscrowPositions(ctx, "L2")
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, "E2", one[0].EscrowID)

	entries, err := l.Entries(ctx, "buyer")
	require.NoError(t, err)
	require.Equal(t, "lock E1", entries[1].Memo)
	require.Equal(t, "E1", entries[1].EscrowID)

	require.NoError(t, l.Verify(ctx))
	require.NoError(t, l.db.Model(&Account{}).Where("id = ?", "seller").Update("balance", -5).Error)
	require.ErrorIs(t, l.Verify(ctx), domain.ErrCustody)
}

func TestSQL_JoinsCallerTransaction(t *testing.T) {
	l := setupSQL(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, "alice", 100))

	rollback := errors.New("record write failed")
	err := dbtx.Atomic(ctx, l.db, func(ctx context.Context) error {
		require.NoError(t, l.Debit(ctx, "alice", 70))
		bal, err := l.Balance(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, int64(30), bal)
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	bal, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(100), bal)

	// a failed Apply inside the transaction leaves earlier work intact
	err = dbtx.Atomic(ctx, l.db, func(ctx context.Context) error {
		require.NoError(t, l.Credit(ctx, "bob", 5))
		require.ErrorIs(t, l.Debit(ctx, "alice", 500), domain.ErrInsufficientFunds)
		return nil
	})
	require.NoError(t, err)
	bob, err := l.Balance(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(5), bob)
}
