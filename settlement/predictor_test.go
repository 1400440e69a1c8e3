package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type stubCodeReader struct {
	code map[common.Address][]byte
	err  error
}

func (s *stubCodeReader) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.code[account], nil
}

func testParams(t *testing.T) Params {
	t.Helper()
	params, err := ParamsForChain(1)
	require.NoError(t, err)
	return params
}

func TestPredictStable(t *testing.T) {
	predictor := NewPredictor(testParams(t), nil, nil)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	first := predictor.Predict(owner)
	second := predictor.Predict(owner)
	require.Equal(t, first, second)
	require.NotEqual(t, common.Address{}, first)
}

func TestPredictMatchesCreate2Formula(t *testing.T) {
	params := testParams(t)
	predictor := NewPredictor(params, nil, nil)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	initCode := append([]byte{}, params.ProxyInitCode...)
	initCode = append(initCode, common.LeftPadBytes(owner.Bytes(), 32)...)
	initCode = append(initCode, common.LeftPadBytes(big.NewInt(Threshold).Bytes(), 32)...)
	want := crypto.CreateAddress2(params.Factory, params.Salt, crypto.Keccak256(initCode))

	require.Equal(t, want, predictor.Predict(owner))
}

func TestPredictDistinctOwners(t *testing.T) {
	predictor := NewPredictor(testParams(t), nil, nil)
	a := predictor.Predict(common.HexToAddress("0x01"))
	b := predictor.Predict(common.HexToAddress("0x02"))
	require.NotEqual(t, a, b)
}

func TestPredictWithStatus(t *testing.T) {
	params := testParams(t)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	reader := &stubCodeReader{code: map[common.Address][]byte{}}
	predictor := NewPredictor(params, reader, nil)
	predicted := predictor.Predict(owner)

	out := predictor.PredictWithStatus(context.Background(), owner)
	require.Equal(t, predicted, out.SettlementAddress)
	require.Equal(t, StatusUndeployed, out.Deployment)

	reader.code[predicted] = []byte{0x60, 0x80}
	out = predictor.PredictWithStatus(context.Background(), owner)
	require.Equal(t, StatusDeployed, out.Deployment)
}

func TestPredictWithStatusDegradesOnProbeFailure(t *testing.T) {
	params := testParams(t)
	reader := &stubCodeReader{err: errors.New("rpc unreachable")}
	predictor := NewPredictor(params, reader, nil)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000dd")

	out := predictor.PredictWithStatus(context.Background(), owner)
	require.Equal(t, predictor.Predict(owner), out.SettlementAddress)
	require.Equal(t, StatusUnknown, out.Deployment)
}

func TestParamsForChainUnknown(t *testing.T) {
	_, err := ParamsForChain(999999)
	require.Error(t, err)
}
