package domain

// Change is the set of records touched by one committed engine operation.
// Stores write it in a single transaction.
type Change struct {
	Listing *Listing
	Bids    []Bid
	Escrow  *EscrowRecord
}

// Empty reports whether there is nothing to write.
func (c Change) Empty() bool {
	return c.Listing == nil && len(c.Bids) == 0 && c.Escrow == nil
}
