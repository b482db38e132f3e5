// Package feepolicy computes platform and return-penalty fees.
//
// All arithmetic is integer with truncating (floor) division on non-negative
// operands. The floor bias is part of the contract terms: a 2% fee on a
// deposit of 99 base units is 1, never 2.
package feepolicy

import (
	"errors"
	"math/big"
)

// ErrInvalidRate is returned for percentage rates outside [0,100].
var ErrInvalidRate = errors.New("feepolicy: rate must be between 0 and 100")

var hundred = big.NewInt(100)

// ValidRate reports whether rate is a legal integer percentage.
func ValidRate(rate int) bool {
	return rate >= 0 && rate <= 100
}

// NetDeposit splits a gross deposit into the net amount credited to escrow
// and the platform fee withheld: fee = floor(gross*rate/100), net = gross-fee.
func NetDeposit(gross *big.Int, rate int) (net, fee *big.Int, err error) {
	if !ValidRate(rate) {
		return nil, nil, ErrInvalidRate
	}

	fee = new(big.Int).Mul(gross, big.NewInt(int64(rate)))
	fee.Div(fee, hundred)
	net = new(big.Int).Sub(gross, fee)
	return net, fee, nil
}

// ReturnSplit splits a returned balance between the refunded buyer and the
// penalty recipient: penalty = floor(balance*rate/100), refund = balance-penalty.
func ReturnSplit(balance *big.Int, rate int) (refund, penalty *big.Int, err error) {
	if !ValidRate(rate) {
		return nil, nil, ErrInvalidRate
	}

	penalty = new(big.Int).Mul(balance, big.NewInt(int64(rate)))
	penalty.Div(penalty, hundred)
	refund = new(big.Int).Sub(balance, penalty)
	return refund, penalty, nil
}
