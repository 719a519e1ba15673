package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const purchaseABIJSON = `[
  {"type":"function","name":"hasPurchased","stateMutability":"view",
   "inputs":[{"name":"listingId","type":"bytes32"},{"name":"buyer","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"registerReferral","stateMutability":"nonpayable",
   "inputs":[{"name":"buyer","type":"address"},{"name":"direct","type":"address"},
             {"name":"grand","type":"address"},{"name":"tier","type":"uint8"}],
   "outputs":[]}
]`

var (
	erc20ABI    = mustParseABI(erc20ABIJSON)
	purchaseABI = mustParseABI(purchaseABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}
