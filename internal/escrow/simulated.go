package escrow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/fees"
	"github.com/mbd888/arcinvoice/internal/ledger"
)

// SimulatedBackend is an in-process chain that runs the three escrow
// versions, the fee collector and an optional ERC-20 token. It decodes
// calldata with the same ABIs the adapters encode with, so adapters run
// against it unchanged. Used by tests and by the server's simulated mode.
type SimulatedBackend struct {
	mu sync.Mutex

	chainID   int64
	now       time.Time
	block     uint64
	nonce     uint64
	deployer  common.Address
	collector common.Address
	token     common.Address

	escrows    map[common.Address]*simEscrow
	balances   map[common.Address]int64
	allowances map[common.Address]map[common.Address]int64
	receipts   map[common.Hash]*types.Receipt
	reverts    map[common.Hash]string
	logs       []types.Log

	hold     bool
	held     map[common.Hash]bool
	failNext map[string]error
	revertAt map[string]int
	calls    map[string]int
}

type simEscrow struct {
	version         ledger.ContractVersion
	creator         common.Address
	payer           common.Address
	total           int64
	funded          int64
	released        int64
	state           uint8
	fundedAt        int64
	autoReleaseDays int64
	current         int
	milestones      []simMilestone
}

type simMilestone struct {
	amount   int64
	flag     bool // approved on V2, funded on V3
	released bool
}

// NewSimulatedBackend starts an empty chain for net at the current time.
func NewSimulatedBackend(net chain.Network) *SimulatedBackend {
	return &SimulatedBackend{
		chainID:    net.ChainID,
		now:        time.Now().UTC().Truncate(time.Second),
		block:      1,
		deployer:   common.HexToAddress("0x00000000000000000000000000000000000000de"),
		collector:  common.HexToAddress("0x00000000000000000000000000000000000000fe"),
		escrows:    make(map[common.Address]*simEscrow),
		balances:   make(map[common.Address]int64),
		allowances: make(map[common.Address]map[common.Address]int64),
		receipts:   make(map[common.Hash]*types.Receipt),
		reverts:    make(map[common.Hash]string),
		held:       make(map[common.Hash]bool),
		failNext:   make(map[string]error),
		revertAt:   make(map[string]int),
		calls:      make(map[string]int),
	}
}

// WithToken enables the ERC-20 token. Deposits then require an approval and
// a balance (see Mint).
func (b *SimulatedBackend) WithToken() *SimulatedBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	return b
}

// Contracts returns the fee collector and token addresses to hand to
// NewAdapters.
func (b *SimulatedBackend) Contracts() Contracts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Contracts{Token: b.token, FeeCollector: b.collector}
}

// Deploy creates an escrow. For V1 milestones must be empty; for V2/V3
// total is the milestone sum.
func (b *SimulatedBackend) Deploy(version ledger.ContractVersion, creator string, total int64, autoReleaseDays int, milestones []int64) (string, error) {
	if !version.Valid() {
		return "", fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := &simEscrow{
		version:         version,
		creator:         common.HexToAddress(creator),
		total:           total,
		autoReleaseDays: int64(autoReleaseDays),
	}
	if version.HasMilestones() {
		var sum int64
		for _, a := range milestones {
			e.milestones = append(e.milestones, simMilestone{amount: a})
			sum += a
		}
		if len(milestones) == 0 || sum != total {
			return "", fmt.Errorf("%w: milestones sum to %d, total is %d", ErrInvalidAmount, sum, total)
		}
	}
	addr := crypto.CreateAddress(b.deployer, b.nonce)
	b.nonce++
	b.escrows[addr] = e
	return normalizeAddr(addr), nil
}

// Now returns the chain clock.
func (b *SimulatedBackend) Now() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

// Advance moves the chain clock forward and mines an empty block.
func (b *SimulatedBackend) Advance(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = b.now.Add(d)
	b.block++
}

// Mint credits token balance to addr.
func (b *SimulatedBackend) Mint(addr string, amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[common.HexToAddress(addr)] += amount
}

// Balance returns the token balance of addr. Without a token it is the net
// of payouts received and deposits made.
func (b *SimulatedBackend) Balance(addr string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[common.HexToAddress(addr)]
}

// FeesCollected returns the fee collector's balance.
func (b *SimulatedBackend) FeesCollected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[b.collector]
}

// HoldReceipts hides receipts of transactions sent while on. State changes
// still apply, which models a transaction that landed but whose receipt the
// caller never saw. Turning it off reveals them.
func (b *SimulatedBackend) HoldReceipts(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = on
	if !on {
		b.held = make(map[common.Hash]bool)
	}
}

// FailNext makes the next Send of method return err without sending.
func (b *SimulatedBackend) FailNext(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[method] = err
}

// RevertNext makes the next Send of method mine as a reverted transaction.
func (b *SimulatedBackend) RevertNext(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revertAt[method]++
}

// Calls returns how many transactions of method were sent.
func (b *SimulatedBackend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// RevertReason returns why a mined transaction reverted.
func (b *SimulatedBackend) RevertReason(txHash string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reverts[common.HexToHash(txHash)]
}

func (b *SimulatedBackend) ChainID(ctx context.Context) (int64, error) {
	return b.chainID, nil
}

func (b *SimulatedBackend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}

func (b *SimulatedBackend) BlockTime(ctx context.Context) (time.Time, error) {
	return b.Now(), nil
}

func (b *SimulatedBackend) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok || b.held[hash] {
		return nil, chain.ErrTxNotFound
	}
	cp := *r
	return &cp, nil
}

// FilterLogs returns emitted logs matching the query's block range,
// addresses and first topic.
func (b *SimulatedBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []types.Log
	for _, l := range b.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && !containsHash(q.Topics[0], l.Topics[0]) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (b *SimulatedBackend) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.New("simulated: short calldata")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	_, method, args, err := b.decode(to, data)
	if err != nil {
		return nil, err
	}
	vals, err := b.view(to, method.Name, args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(vals...)
}

func (b *SimulatedBackend) Send(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error) {
	if len(data) < 4 {
		return common.Hash{}, errors.New("simulated: short calldata")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	parsed, method, args, err := b.decode(to, data)
	if err != nil {
		return common.Hash{}, err
	}
	if ferr, ok := b.failNext[method.Name]; ok {
		delete(b.failNext, method.Name)
		return common.Hash{}, ferr
	}
	b.calls[method.Name]++

	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], b.nonce)
	b.nonce++
	hash := crypto.Keccak256Hash(nonce[:], from.Bytes(), to.Bytes(), data)
	b.block++

	status := types.ReceiptStatusSuccessful
	var logs []*types.Log
	if b.revertAt[method.Name] > 0 {
		b.revertAt[method.Name]--
		status = types.ReceiptStatusFailed
		b.reverts[hash] = "injected revert"
	} else if emitted, reason := b.exec(parsed, from, to, method.Name, args); reason != "" {
		status = types.ReceiptStatusFailed
		b.reverts[hash] = reason
	} else {
		for i := range emitted {
			emitted[i].TxHash = hash
			emitted[i].BlockNumber = b.block
			emitted[i].Index = uint(len(b.logs))
			b.logs = append(b.logs, emitted[i])
			l := emitted[i]
			logs = append(logs, &l)
		}
	}

	b.receipts[hash] = &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(b.block),
		GasUsed:     21_000,
		Logs:        logs,
	}
	if b.hold {
		b.held[hash] = true
	}
	return hash, nil
}

func (b *SimulatedBackend) decode(to common.Address, data []byte) (*abi.ABI, *abi.Method, []any, error) {
	var parsed *abi.ABI
	switch {
	case to == b.collector:
		parsed = &feeCollectorABI
	case b.token != (common.Address{}) && to == b.token:
		parsed = &erc20ABI
	default:
		e, ok := b.escrows[to]
		if !ok {
			return nil, nil, nil, fmt.Errorf("simulated: no contract at %s", to.Hex())
		}
		if e.version == ledger.ContractV1 {
			parsed = &v1ABI
		} else {
			parsed = &milestoneABI
		}
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("simulated: %w", err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("simulated: unpack %s: %w", method.Name, err)
	}
	return parsed, method, args, nil
}

func (b *SimulatedBackend) view(to common.Address, method string, args []any) ([]any, error) {
	if to == b.collector {
		bb, err := fees.ComputeBig(args[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		switch method {
		case "calculatePayerAmount":
			return []any{bb.PayerAmount}, nil
		case "calculateCreatorAmount":
			return []any{bb.CreatorAmount}, nil
		case "calculateFee":
			return []any{bb.TotalFee}, nil
		}
	}
	if b.token != (common.Address{}) && to == b.token {
		switch method {
		case "allowance":
			owner, spender := args[0].(common.Address), args[1].(common.Address)
			return []any{big.NewInt(b.allowances[owner][spender])}, nil
		case "balanceOf":
			return []any{big.NewInt(b.balances[args[0].(common.Address)])}, nil
		}
	}
	e := b.escrows[to]
	if e == nil {
		return nil, fmt.Errorf("simulated: no contract at %s", to.Hex())
	}
	switch method {
	case "getDetails":
		if e.version == ledger.ContractV1 {
			return []any{e.creator, e.payer, big.NewInt(e.total), e.state,
				big.NewInt(e.fundedAt), big.NewInt(e.autoReleaseDays)}, nil
		}
		slot7 := e.autoReleaseDays
		if e.version == ledger.ContractV3 {
			slot7 = int64(e.current)
		}
		return []any{e.creator, e.payer, big.NewInt(e.total), big.NewInt(e.funded),
			big.NewInt(e.released), e.state, big.NewInt(e.fundedAt), big.NewInt(slot7),
			big.NewInt(int64(len(e.milestones)))}, nil
	case "getMilestone":
		i := int(args[0].(*big.Int).Int64())
		if i < 0 || i >= len(e.milestones) {
			return nil, fmt.Errorf("simulated: milestone %d out of range", i)
		}
		m := e.milestones[i]
		return []any{big.NewInt(m.amount), m.flag, m.released}, nil
	case "state":
		return []any{e.state}, nil
	case "totalAmount":
		return []any{big.NewInt(e.total)}, nil
	case "canAutoRelease":
		return []any{e.state == rawFunded && b.windowElapsed(e)}, nil
	}
	return nil, fmt.Errorf("simulated: %s is not a view", method)
}

// exec applies a state-changing call and returns the emitted logs, or a
// revert reason.
func (b *SimulatedBackend) exec(parsed *abi.ABI, from, to common.Address, method string, args []any) ([]types.Log, string) {
	if b.token != (common.Address{}) && to == b.token {
		if method != "approve" {
			return nil, "token: unsupported call"
		}
		spender := args[0].(common.Address)
		if b.allowances[from] == nil {
			b.allowances[from] = make(map[common.Address]int64)
		}
		b.allowances[from][spender] = args[1].(*big.Int).Int64()
		return nil, ""
	}
	e := b.escrows[to]
	if e == nil {
		return nil, "no contract"
	}
	ev := &emitter{abi: parsed, addr: to}

	switch method {
	case "deposit":
		if e.version == ledger.ContractV3 {
			return nil, "use fundMilestone"
		}
		if e.state != rawCreated {
			return nil, "already funded"
		}
		if from == e.creator {
			return nil, "creator cannot fund"
		}
		if reason := b.pull(from, to, e.total); reason != "" {
			return nil, reason
		}
		e.payer = from
		e.funded = e.total
		e.state = rawFunded
		e.fundedAt = b.now.Unix()
		ev.emit("Funded", []any{from}, big.NewInt(e.total), big.NewInt(e.fundedAt))

	case "fundMilestone":
		if e.version != ledger.ContractV3 {
			return nil, "use deposit"
		}
		i := int(args[0].(*big.Int).Int64())
		if e.state != rawCreated && e.state != rawFunded {
			return nil, "not active"
		}
		if i != e.current || i >= len(e.milestones) {
			return nil, "milestones must be funded in order"
		}
		if from == e.creator {
			return nil, "creator cannot fund"
		}
		if e.payer != (common.Address{}) && from != e.payer {
			return nil, "only payer"
		}
		m := &e.milestones[i]
		if reason := b.pull(from, to, m.amount); reason != "" {
			return nil, reason
		}
		m.flag = true
		e.payer = from
		e.funded += m.amount
		e.current++
		if e.state == rawCreated {
			e.state = rawFunded
			e.fundedAt = b.now.Unix()
		}
		ev.emit("MilestoneFunded", []any{big.NewInt(int64(i))}, big.NewInt(m.amount))

	case "approveMilestone":
		if e.version != ledger.ContractV2Legacy {
			return nil, "no approvals"
		}
		i := int(args[0].(*big.Int).Int64())
		if e.state != rawFunded || from != e.payer {
			return nil, "only payer while funded"
		}
		if i < 0 || i >= len(e.milestones) || e.milestones[i].flag {
			return nil, "bad milestone"
		}
		e.milestones[i].flag = true
		ev.emit("MilestoneApproved", []any{big.NewInt(int64(i))})

	case "releaseMilestone":
		i := int(args[0].(*big.Int).Int64())
		if e.state != rawFunded || i < 0 || i >= len(e.milestones) {
			return nil, "bad milestone"
		}
		m := &e.milestones[i]
		if !m.flag || m.released {
			return nil, "milestone not releasable"
		}
		if e.version == ledger.ContractV2Legacy && from != e.creator {
			return nil, "only creator"
		}
		if e.version == ledger.ContractV3 && from != e.payer {
			return nil, "only payer"
		}
		m.released = true
		e.released += m.amount
		b.payout(e.creator, m.amount)
		if e.released == e.total {
			e.state = rawReleased
		}
		ev.emit("MilestoneReleased", []any{big.NewInt(int64(i))}, big.NewInt(m.amount))

	case "release":
		if e.state != rawFunded || from != e.payer {
			return nil, "only payer while funded"
		}
		b.releaseAll(e)
		ev.emit("Released", []any{e.creator}, big.NewInt(e.total))

	case "autoRelease":
		if e.version == ledger.ContractV3 {
			return nil, "no auto-release"
		}
		if e.state != rawFunded || !b.windowElapsed(e) {
			return nil, "too early"
		}
		held := e.funded - e.released
		b.releaseAll(e)
		if e.version == ledger.ContractV1 {
			ev.emit("Released", []any{e.creator}, big.NewInt(held))
		} else {
			ev.emit("FundsSplit", nil, big.NewInt(0), big.NewInt(held))
		}

	case "refund":
		if e.state != rawFunded || from != e.creator {
			return nil, "only creator while funded"
		}
		held := e.funded - e.released
		b.balances[e.payer] += held
		e.state = rawRefunded
		ev.emit("Refunded", []any{e.payer}, big.NewInt(held))

	case "splitFunds":
		if e.version == ledger.ContractV1 {
			return nil, "no split"
		}
		if e.state != rawFunded || (from != e.payer && from != e.creator) {
			return nil, "only parties while funded"
		}
		payerAmount := args[0].(*big.Int).Int64()
		held := e.funded - e.released
		if payerAmount < 0 || payerAmount > held {
			return nil, "payer amount exceeds held"
		}
		b.balances[e.payer] += payerAmount
		b.payout(e.creator, held-payerAmount)
		e.released = e.funded
		e.state = rawReleased
		ev.emit("FundsSplit", nil, big.NewInt(payerAmount), big.NewInt(held-payerAmount))

	default:
		return nil, "unknown method " + method
	}
	return ev.logs, ""
}

// pull moves principal plus the payer fee from the payer into escrow.
func (b *SimulatedBackend) pull(from, escrowAddr common.Address, principal int64) string {
	bd := fees.Compute(principal)
	if b.token != (common.Address{}) {
		if b.allowances[from][escrowAddr] < bd.PayerAmount {
			return "insufficient allowance"
		}
		if b.balances[from] < bd.PayerAmount {
			return "insufficient balance"
		}
		b.allowances[from][escrowAddr] -= bd.PayerAmount
	}
	b.balances[from] -= bd.PayerAmount
	b.balances[b.collector] += bd.PayerFee
	return ""
}

// payout sends principal less the creator fee to the creator.
func (b *SimulatedBackend) payout(creator common.Address, principal int64) {
	bd := fees.Compute(principal)
	b.balances[creator] += bd.CreatorAmount
	b.balances[b.collector] += bd.CreatorFee
}

func (b *SimulatedBackend) releaseAll(e *simEscrow) {
	b.payout(e.creator, e.funded-e.released)
	for i := range e.milestones {
		e.milestones[i].released = true
	}
	e.released = e.funded
	e.state = rawReleased
}

func (b *SimulatedBackend) windowElapsed(e *simEscrow) bool {
	if e.fundedAt == 0 || e.autoReleaseDays == 0 {
		return false
	}
	return b.now.Unix() >= e.fundedAt+e.autoReleaseDays*86400
}

type emitter struct {
	abi  *abi.ABI
	addr common.Address
	logs []types.Log
}

// emit records event name with its indexed values as topics and the rest
// packed into data. Events missing from the ABI are skipped.
func (e *emitter) emit(name string, indexed []any, data ...any) {
	event, ok := e.abi.Events[name]
	if !ok {
		return
	}
	topics := []common.Hash{event.ID}
	for _, v := range indexed {
		switch t := v.(type) {
		case common.Address:
			topics = append(topics, common.BytesToHash(t.Bytes()))
		case *big.Int:
			topics = append(topics, common.BigToHash(t))
		}
	}
	packed, err := event.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return
	}
	e.logs = append(e.logs, types.Log{Address: e.addr, Topics: topics, Data: packed})
}

func containsAddr(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

var _ chain.Backend = (*SimulatedBackend)(nil)
