package reward

import (
	"fmt"
	"math/big"
)

// Splitter divides a reward between the recipient and the operating fund.
type Splitter struct {
	num *big.Int
	den *big.Int
}

// NewSplitter creates a splitter giving the recipient num/den of each reward.
func NewSplitter(num, den int64) (*Splitter, error) {
	if den <= 0 {
		return nil, fmt.Errorf("split denominator must be positive, got %d", den)
	}
	if num < 0 || num > den {
		return nil, fmt.Errorf("split numerator must be within [0,%d], got %d", den, num)
	}
	return &Splitter{num: big.NewInt(num), den: big.NewInt(den)}, nil
}

// Split computes floor(total*num/den) for the recipient. The fund gets the
// remainder, so rounding dust always lands on the fund leg and the two
// amounts sum to total exactly.
func (s *Splitter) Split(total *big.Int) (SplitResult, error) {
	if total == nil || total.Sign() <= 0 {
		return SplitResult{}, fmt.Errorf("%w: total must be positive, got %v", ErrInvalidAmount, total)
	}
	recipient := new(big.Int).Mul(total, s.num)
	recipient.Quo(recipient, s.den) // both operands non-negative, so Quo floors
	fund := new(big.Int).Sub(total, recipient)
	return SplitResult{RecipientAmount: recipient, FundAmount: fund}, nil
}
