package ethcontract

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transferABI = `[{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

func TestDecodeTransaction(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(transferABI))
	require.NoError(t, err)

	cc := NewContractClient(nil, common.HexToAddress("0x0000000000000000000000000000000000000001"), parsed)

	to := common.HexToAddress("0x6e4141d33021b52c91c28608403db4a0ffb50ec")
	input, err := parsed.Pack("transfer", to, big.NewInt(1000000))
	require.NoError(t, err)

	decoded, err := cc.DecodeTransaction(input)
	require.NoError(t, err)
	assert.Equal(t, "transfer", decoded.MethodName)
	assert.Equal(t, to, decoded.Params["to"])
}

func TestDecodeTransaction_tooShort(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(transferABI))
	require.NoError(t, err)
	cc := NewContractClient(nil, common.Address{}, parsed)

	_, err = cc.DecodeTransaction([]byte{0x01, 0x02})
	assert.Error(t, err)
}
