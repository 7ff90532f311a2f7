package policy

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agentmeter/paygate/internal/clock"
)

// Reputation is the (count, score) pair the oracle returns for an agent
// identifier (spec §4.6, glossary "Reputation oracle").
type Reputation struct {
	Count int64
	Score float64
}

// ReputationOracle is the pluggable capability Engine.Check depends on
// (spec §9 "{QueryReputation}"). Tests substitute an in-process fake.
type ReputationOracle interface {
	QueryReputation(ctx context.Context, agentID string) (Reputation, error)
}

// abi signature: function reputationOf(uint256 agentId) view returns (uint256 count, uint256 scoreScaled)
// scoreScaled is assumed fixed-point with 4 decimal places (score = scoreScaled / 10000),
// a convention documented for this gateway's reputation contract.
var reputationArgs abi.Arguments

func init() {
	uint256Type, _ := abi.NewType("uint256", "", nil)
	reputationArgs = abi.Arguments{{Type: uint256Type}}
}

var reputationOfSelector = crypto.Keccak256([]byte("reputationOf(uint256)"))[:4]

// EthReputationOracle queries an on-chain reputation contract via a raw
// ABI-encoded eth_call, rather than a generated contract binding — the
// lighter pattern the pack favors for a single read-only method.
type EthReputationOracle struct {
	client   *ethclient.Client
	contract common.Address
	ttl      time.Duration
	clk      clock.Clock

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value     Reputation
	expiresAt time.Time
}

// NewEthReputationOracle dials rpcURL and binds to contractAddr.
func NewEthReputationOracle(rpcURL, contractAddr string, ttl time.Duration, clk clock.Clock) (*EthReputationOracle, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("policy: dial reputation rpc: %w", err)
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("policy: invalid reputation contract address %q", contractAddr)
	}
	return &EthReputationOracle{
		client:   client,
		contract: common.HexToAddress(contractAddr),
		ttl:      ttl,
		clk:      clk,
		cache:    make(map[string]cacheEntry),
	}, nil
}

// QueryReputation returns the cached value for agentID if still fresh,
// otherwise performs an eth_call and caches the result for ttl (~60s by
// spec default).
func (o *EthReputationOracle) QueryReputation(ctx context.Context, agentID string) (Reputation, error) {
	o.mu.Lock()
	if e, ok := o.cache[agentID]; ok && o.clk.Now().Before(e.expiresAt) {
		o.mu.Unlock()
		return e.value, nil
	}
	o.mu.Unlock()

	rep, err := o.call(ctx, agentID)
	if err != nil {
		return Reputation{}, err
	}

	o.mu.Lock()
	o.cache[agentID] = cacheEntry{value: rep, expiresAt: o.clk.Now().Add(o.ttl)}
	o.mu.Unlock()
	return rep, nil
}

func (o *EthReputationOracle) call(ctx context.Context, agentID string) (Reputation, error) {
	agentBig, ok := new(big.Int).SetString(agentID, 10)
	if !ok {
		return Reputation{}, fmt.Errorf("policy: agent id %q is not a decimal integer", agentID)
	}

	packed, err := reputationArgs.Pack(agentBig)
	if err != nil {
		return Reputation{}, fmt.Errorf("policy: pack call args: %w", err)
	}
	data := append(append([]byte{}, reputationOfSelector...), packed...)

	msg := ethereum.CallMsg{To: &o.contract, Data: data}
	result, err := o.client.CallContract(ctx, msg, nil)
	if err != nil {
		return Reputation{}, fmt.Errorf("policy: eth_call reputationOf: %w", err)
	}

	outType, _ := abi.NewType("uint256", "", nil)
	outArgs := abi.Arguments{{Type: outType}, {Type: outType}}
	values, err := outArgs.Unpack(result)
	if err != nil || len(values) != 2 {
		return Reputation{}, fmt.Errorf("policy: unpack reputationOf result: %w", err)
	}

	count, _ := values[0].(*big.Int)
	scoreScaled, _ := values[1].(*big.Int)
	if count == nil || scoreScaled == nil {
		return Reputation{}, fmt.Errorf("policy: unexpected reputationOf return types")
	}

	score := new(big.Rat).SetFrac(scoreScaled, big.NewInt(10000))
	scoreF, _ := score.Float64()

	return Reputation{Count: count.Int64(), Score: scoreF}, nil
}

// normalizeAgentID trims surrounding whitespace from an X-Agent-Id value
// before Engine.Check passes it to the oracle.
func normalizeAgentID(id string) string {
	return strings.TrimSpace(id)
}
