package chainclient

import (
	"context"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"math/big"
	"moff.io/coursewallet/pkg/errors"
)

// MarketplaceABI is the part of the course marketplace contract used here.
const MarketplaceABI = `[
  {"type":"function","name":"hasAccess","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"},{"name":"courseId","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"coursePrice","stateMutability":"view",
   "inputs":[{"name":"courseId","type":"bytes32"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"purchaseCourse","stateMutability":"payable",
   "inputs":[{"name":"courseId","type":"bytes32"}],
   "outputs":[]}
]`

// CourseID is the on-chain id of a course slug.
func CourseID(course string) [32]byte {
	return crypto.Keccak256Hash([]byte(course))
}

// HasAccess reports whether the client's account owns course.
func HasAccess(ctx context.Context, c Client, course string) (bool, error) {
	var out []interface{}
	if err := c.Call(ctx, &out, "hasAccess", c.Binding().Account, CourseID(course)); err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, errors.Errorf("hasAccess returned %d values", len(out))
	}
	owned, ok := out[0].(bool)
	if !ok {
		return false, errors.Errorf("hasAccess returned %T", out[0])
	}
	return owned, nil
}

// CoursePrice returns the price of course in wei.
func CoursePrice(ctx context.Context, c Client, course string) (*big.Int, error) {
	var out []interface{}
	if err := c.Call(ctx, &out, "coursePrice", CourseID(course)); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, errors.Errorf("coursePrice returned %d values", len(out))
	}
	price, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("coursePrice returned %T", out[0])
	}
	return price, nil
}

// PurchaseCourse buys course for price wei and returns the tx hash.
func PurchaseCourse(ctx context.Context, c Client, course string, price *big.Int) (common.Hash, error) {
	return c.Transact(ctx, TransactOpts{Value: price}, "purchaseCourse", CourseID(course))
}
