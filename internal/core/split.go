package core

type (
	// Share is the amount a participant is charged, in join order.
	Share struct {
		UserID   int64
		Quantity int
		Amount   int64
	}

	// Settlement is the outcome of splitting a communism.
	Settlement struct {
		Count          int64 // participant slots plus externals
		Share          int64 // floor(amount / count)
		Remainder      int64 // amount mod count
		Shares         []Share
		ExternalsTotal int64 // collected by the creator outside the ledger
		CreatorNet     int64 // amount - ExternalsTotal
		Transfers      []Transfer
	}
)

// Split divides amount among participants (weighted by quantity) and
// externals. Every slot pays floor(amount/count); the first amount%count
// slots pay one extra cent. Participant slots come first, in the given order,
// followed by external slots, so the sum of all shares always equals amount.
func Split(amount int64, participants []Participant, externals int) (Settlement, error) {
	if amount <= 0 {
		return Settlement{}, ErrInvalidAmount
	}
	if externals < 0 {
		return Settlement{}, ErrNegativeExternalCount
	}

	count := int64(externals)
	for _, p := range participants {
		if p.Quantity < 1 {
			return Settlement{}, ErrInvalidQuantity
		}
		count += int64(p.Quantity)
	}
	if count == 0 {
		return Settlement{}, ErrEmptyOperation
	}

	s := Settlement{
		Count:     count,
		Share:     amount / count,
		Remainder: amount % count,
		Shares:    make([]Share, 0, len(participants)),
	}

	left := s.Remainder
	for _, p := range participants {
		qty := int64(p.Quantity)
		extra := min(left, qty)
		left -= extra
		s.Shares = append(s.Shares, Share{
			UserID:   p.UserID,
			Quantity: p.Quantity,
			Amount:   s.Share*qty + extra,
		})
	}
	s.ExternalsTotal = s.Share*int64(externals) + left
	s.CreatorNet = amount - s.ExternalsTotal
	return s, nil
}
