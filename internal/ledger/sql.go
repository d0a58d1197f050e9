package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/infra/dbtx"
)

// Account is the persisted free balance of one ledger account.
type Account struct {
	ID        string `gorm:"primaryKey"`
	Balance   int64
	UpdatedAt time.Time
}

func (Account) TableName() string { return "ledger_accounts" }

// Entry is one append-only ledger movement.
type Entry struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Account      string `gorm:"index"`
	Kind         string
	Amount       int64
	BalanceAfter int64
	Memo         string
	EscrowID     string `gorm:"index"`
	ListingID    string
	CreatedAt    time.Time
}

func (Entry) TableName() string { return "ledger_entries" }

// SQL is a ledger persisted through gorm. Every call runs in one transaction,
// or joins the caller's when ctx carries one opened on the same *gorm.DB.
type SQL struct {
	db *gorm.DB
}

// NewSQL migrates the ledger tables on db.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&Account{}, &Entry{}); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &SQL{db: db}, nil
}

// Deposit funds an account from outside the marketplace.
func (s *SQL) Deposit(ctx context.Context, account string, amount int64) error {
	return s.Apply(ctx, []domain.Movement{{Kind: domain.MoveCredit, Account: account, Amount: amount, Memo: "deposit"}})
}

func (s *SQL) Debit(ctx context.Context, account string, amount int64) error {
	return s.Apply(ctx, []domain.Movement{{Kind: domain.MoveDebit, Account: account, Amount: amount}})
}

func (s *SQL) Credit(ctx context.Context, account string, amount int64) error {
	return s.Apply(ctx, []domain.Movement{{Kind: domain.MoveCredit, Account: account, Amount: amount}})
}

func (s *SQL) Balance(ctx context.Context, account string) (int64, error) {
	var acc Account
	err := dbtx.Conn(ctx, s.db).First(&acc, "id = ?", account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", account, err)
	}
	return acc.Balance, nil
}

// Apply commits all movements in a single transaction.
func (s *SQL) Apply(ctx context.Context, moves []domain.Movement) error {
	return dbtx.Run(ctx, s.db, func(tx *gorm.DB) error {
		for _, mv := range moves {
			if mv.Account == "" {
				return domain.NewValidationError("ledger.apply", "account is required")
			}
			if mv.Amount < 0 {
				return domain.NewValidationError("ledger.apply", "negative amount %d", mv.Amount)
			}
			var err error
			switch mv.Kind {
			case domain.MoveDebit:
				err = debitTx(tx, mv)
			case domain.MoveCredit:
				err = creditTx(tx, mv)
			default:
				err = domain.NewValidationError("ledger.apply", "unknown movement kind %d", mv.Kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func debitTx(tx *gorm.DB, mv domain.Movement) error {
	res := tx.Model(&Account{}).
		Where("id = ? AND balance >= ?", mv.Account, mv.Amount).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", mv.Amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("ledger: debit %s: %w", mv.Account, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewInsufficientFundsError("ledger.debit", "account %s cannot cover %d", mv.Account, mv.Amount)
	}
	return appendEntry(tx, mv)
}

func creditTx(tx *gorm.DB, mv domain.Movement) error {
	res := tx.Model(&Account{}).
		Where("id = ?", mv.Account).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", mv.Amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("ledger: credit %s: %w", mv.Account, res.Error)
	}
	if res.RowsAffected == 0 {
		if err := tx.Create(&Account{ID: mv.Account, Balance: mv.Amount}).Error; err != nil {
			return fmt.Errorf("ledger: open account %s: %w", mv.Account, err)
		}
	}
	return appendEntry(tx, mv)
}

func appendEntry(tx *gorm.DB, mv domain.Movement) error {
	var acc Account
	if err := tx.First(&acc, "id = ?", mv.Account).Error; err != nil {
		return fmt.Errorf("ledger: reload %s: %w", mv.Account, err)
	}
	e := Entry{
		Account:      mv.Account,
		Kind:         mv.Kind.String(),
		Amount:       mv.Amount,
		BalanceAfter: acc.Balance,
		Memo:         mv.Memo,
		EscrowID:     mv.EscrowID,
		ListingID:    mv.ListingID,
	}
	if err := tx.Create(&e).Error; err != nil {
		return fmt.Errorf("ledger: append entry: %w", err)
	}
	return nil
}

// Entries returns the movement history of an account, oldest first.
func (s *SQL) Entries(ctx context.Context, account string) ([]Entry, error) {
	var out []Entry
	err := dbtx.Conn(ctx, s.db).
		Where("account = ?", account).
		Order("id asc").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: entries %s: %w", account, err)
	}
	return out, nil
}

// Verify checks that no account balance is negative.
func (s *SQL) Verify(ctx context.Context) error {
	var negative []Account
	if err := dbtx.Conn(ctx, s.db).Where("balance < 0").Limit(1).Find(&negative).Error; err != nil {
		return fmt.Errorf("ledger: verify: %w", err)
	}
	if len(negative) > 0 {
		return domain.NewCustodyError("ledger.verify", nil, "BALANCE_INVARIANT_NEGATIVE_AMOUNT: %s = %d",
			negative[0].ID, negative[0].Balance)
	}
	return nil
}

// EscrowPositions sums the entries of each escrow of a listing ("" for all),
// sorted by escrow ID.
func (s *SQL) EscrowPositions(ctx context.Context, listingID string) ([]domain.EscrowPosition, error) {
	var rows []struct {
		EscrowID  string
		ListingID string
		Net       int64
	}
	q := dbtx.Conn(ctx, s.db).Model(&Entry{}).
		Select("escrow_id, MAX(listing_id) AS listing_id, "+
			"SUM(CASE WHEN kind = ? THEN amount ELSE -amount END) AS net", domain.MoveDebit.String()).
		Where("escrow_id <> ''")
	if listingID != "" {
		q = q.Where("listing_id = ?", listingID)
	}
	err := q.Group("escrow_id").Order("escrow_id asc").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: escrow positions: %w", err)
	}
	out := make([]domain.EscrowPosition, len(rows))
	for i, r := range rows {
		out[i] = domain.EscrowPosition{EscrowID: r.EscrowID, ListingID: r.ListingID, Net: r.Net}
	}
	return out, nil
}
