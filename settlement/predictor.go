package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Threshold is the multisig threshold baked into every settlement deployment.
const Threshold = 1

// DeploymentStatus reports whether the settlement contract exists on-chain.
// Unknown means the code read failed; the predicted address is still valid.
type DeploymentStatus string

const (
	StatusDeployed   DeploymentStatus = "deployed"
	StatusUndeployed DeploymentStatus = "undeployed"
	StatusUnknown    DeploymentStatus = "unknown"
)

// Params fixes the deterministic deployment formula for one chain. Factory,
// salt, and proxy init code never change for a given chain id, which is what
// makes the predicted address stable before deployment.
type Params struct {
	ChainID       uint64
	Factory       common.Address
	Salt          [32]byte
	ProxyInitCode []byte
}

// Prediction is the counterfactual settlement address for an owner.
type Prediction struct {
	Owner             common.Address
	SettlementAddress common.Address
	Deployment        DeploymentStatus
}

// CodeReader is the chain read used to probe deployment status. Satisfied by
// ethclient.Client.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

var defaultSalt = [32]byte(crypto.Keccak256Hash([]byte("stealthpay/settlement/v1")))

// chainParams carries the per-chain factory registry. The init code is the
// minimal proxy creation code; the owner and threshold are appended as
// constructor arguments before hashing.
var chainParams = map[uint64]Params{
	1: {
		ChainID:       1,
		Factory:       common.HexToAddress("0x4e59b44847b379578588920cA78FbF26c0B4956C"),
		Salt:          defaultSalt,
		ProxyInitCode: common.FromHex("0x3d602d80600a3d3981f3363d3d373d3d3d363d73bebebebebebebebebebebebebebebebebebebebe5af43d82803e903d91602b57fd5bf3"),
	},
	8453: {
		ChainID:       8453,
		Factory:       common.HexToAddress("0x4e59b44847b379578588920cA78FbF26c0B4956C"),
		Salt:          defaultSalt,
		ProxyInitCode: common.FromHex("0x3d602d80600a3d3981f3363d3d373d3d3d363d73bebebebebebebebebebebebebebebebebebebebe5af43d82803e903d91602b57fd5bf3"),
	},
}

// ParamsForChain resolves the fixed deployment parameters for a chain id.
func ParamsForChain(chainID uint64) (Params, error) {
	params, ok := chainParams[chainID]
	if !ok {
		return Params{}, fmt.Errorf("settlement: no deployment parameters for chain %d", chainID)
	}
	return params, nil
}

// Predictor computes counterfactual settlement addresses and optionally probes
// deployment status through a chain client.
type Predictor struct {
	params Params
	reader CodeReader
	logger *slog.Logger
}

// NewPredictor constructs a predictor. The reader may be nil, in which case
// deployment status is always Unknown.
func NewPredictor(params Params, reader CodeReader, logger *slog.Logger) *Predictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Predictor{params: params, reader: reader, logger: logger}
}

// initCode assembles the creation bytecode whose hash pins the CREATE2
// address: proxy code followed by the ABI-encoded (owner, threshold) args.
func (p *Predictor) initCode(owner common.Address) []byte {
	code := make([]byte, 0, len(p.params.ProxyInitCode)+64)
	code = append(code, p.params.ProxyInitCode...)
	code = append(code, common.LeftPadBytes(owner.Bytes(), 32)...)
	code = append(code, common.LeftPadBytes(big.NewInt(Threshold).Bytes(), 32)...)
	return code
}

// Predict computes the settlement address for an owner. Pure; repeat calls
// always agree.
func (p *Predictor) Predict(owner common.Address) common.Address {
	initCodeHash := crypto.Keccak256(p.initCode(owner))
	return crypto.CreateAddress2(p.params.Factory, p.params.Salt, initCodeHash)
}

// PredictWithStatus predicts the address and probes the chain for deployed
// code. A failed probe degrades to StatusUnknown rather than failing the
// prediction.
func (p *Predictor) PredictWithStatus(ctx context.Context, owner common.Address) Prediction {
	predicted := p.Predict(owner)
	out := Prediction{Owner: owner, SettlementAddress: predicted, Deployment: StatusUnknown}
	if p.reader == nil {
		return out
	}
	code, err := p.reader.CodeAt(ctx, predicted, nil)
	if err != nil {
		p.logger.Warn("settlement code probe failed",
			"address", predicted.Hex(), "err", err)
		return out
	}
	if len(code) > 0 {
		out.Deployment = StatusDeployed
	} else {
		out.Deployment = StatusUndeployed
	}
	return out
}
