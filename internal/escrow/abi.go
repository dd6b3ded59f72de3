package escrow

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Single-amount escrow (V1).
const v1ABIJSON = `[
	{"type":"function","name":"deposit","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"release","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"refund","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"autoRelease","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"getDetails","inputs":[],"outputs":[
		{"name":"_creator","type":"address"},{"name":"_payer","type":"address"},
		{"name":"_amount","type":"uint256"},{"name":"_state","type":"uint8"},
		{"name":"_fundedAt","type":"uint256"},{"name":"_autoReleaseDays","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"state","inputs":[],"outputs":[{"name":"","type":"uint8"}],"stateMutability":"view"},
	{"type":"function","name":"canAutoRelease","inputs":[],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"},
	{"type":"event","name":"Funded","anonymous":false,"inputs":[
		{"name":"payer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"Released","anonymous":false,"inputs":[
		{"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Refunded","anonymous":false,"inputs":[
		{"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

// Milestone escrows share one call surface. V2 funds everything with
// deposit() and gates release behind approveMilestone; V3 funds each
// milestone in order with fundMilestone. getDetails slot 6 is fundedAt and
// slot 7 is autoReleaseDays on V2, currentMilestone on V3. getMilestone's
// flag is "approved" on V2 and "funded" on V3.
const milestoneABIJSON = `[
	{"type":"function","name":"deposit","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"fundMilestone","inputs":[{"name":"index","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"approveMilestone","inputs":[{"name":"index","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"releaseMilestone","inputs":[{"name":"index","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"refund","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"autoRelease","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"splitFunds","inputs":[{"name":"payerAmount","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"totalAmount","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"getDetails","inputs":[],"outputs":[
		{"name":"_creator","type":"address"},{"name":"_payer","type":"address"},
		{"name":"_totalAmount","type":"uint256"},{"name":"_fundedAmount","type":"uint256"},
		{"name":"_releasedAmount","type":"uint256"},{"name":"_state","type":"uint8"},
		{"name":"_fundedAt","type":"uint256"},{"name":"_slot7","type":"uint256"},
		{"name":"_milestoneCount","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"getMilestone","inputs":[{"name":"index","type":"uint256"}],"outputs":[
		{"name":"amount","type":"uint256"},{"name":"flag","type":"bool"},{"name":"released","type":"bool"}],"stateMutability":"view"},
	{"type":"event","name":"Funded","anonymous":false,"inputs":[
		{"name":"payer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"MilestoneFunded","anonymous":false,"inputs":[
		{"name":"index","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"MilestoneApproved","anonymous":false,"inputs":[
		{"name":"index","type":"uint256","indexed":true}]},
	{"type":"event","name":"MilestoneReleased","anonymous":false,"inputs":[
		{"name":"index","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"FundsSplit","anonymous":false,"inputs":[
		{"name":"payerAmount","type":"uint256","indexed":false},{"name":"creatorAmount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Refunded","anonymous":false,"inputs":[
		{"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

const feeCollectorABIJSON = `[
	{"type":"function","name":"calculatePayerAmount","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"pure"},
	{"type":"function","name":"calculateCreatorAmount","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"pure"},
	{"type":"function","name":"calculateFee","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"pure"}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
	{"type":"function","name":"allowance","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
]`

var (
	v1ABI           = mustParseABI(v1ABIJSON)
	milestoneABI    = mustParseABI(milestoneABIJSON)
	feeCollectorABI = mustParseABI(feeCollectorABIJSON)
	erc20ABI        = mustParseABI(erc20ABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("escrow: bad ABI: " + err.Error())
	}
	return parsed
}

// Raw contract state codes.
const (
	rawCreated  uint8 = 0
	rawFunded   uint8 = 1 // ACTIVE on V3
	rawReleased uint8 = 2 // COMPLETED on V3
	rawRefunded uint8 = 3
)

var (
	v1StateNames = [...]string{"CREATED", "FUNDED", "RELEASED", "REFUNDED"}
	v3StateNames = [...]string{"CREATED", "ACTIVE", "COMPLETED", "REFUNDED"}
)

// EventTopics returns the topic IDs of every event an escrow contract
// emits, across all supported versions.
func EventTopics() []common.Hash {
	seen := map[common.Hash]bool{}
	var out []common.Hash
	for _, parsed := range []abi.ABI{v1ABI, milestoneABI} {
		for _, ev := range parsed.Events {
			if !seen[ev.ID] {
				seen[ev.ID] = true
				out = append(out, ev.ID)
			}
		}
	}
	return out
}
