// Package abis holds the contract ABI fragments the watcher calls.
package abis

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func ParseABI(abiJSON string) (*abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// GetAMMABI covers the pool reads and the swap entry point. The fee rate is
// expressed in per-mille.
func GetAMMABI() (*abi.ABI, error) {
	return ParseABI(`[
		{"inputs":[],"name":"reserveA","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"reserveB","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"tokenA","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"tokenB","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"feeRate","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
		{
			"inputs":[{"name":"tokenIn","type":"address"},{"name":"amountIn","type":"uint256"}],
			"name":"getExpectedFeeRate",
			"outputs":[{"name":"","type":"uint256"}],
			"stateMutability":"view",
			"type":"function"
		},
		{
			"inputs":[
				{"name":"tokenIn","type":"address"},
				{"name":"amountIn","type":"uint256"},
				{"name":"minAmountOut","type":"uint256"}
			],
			"name":"swap",
			"outputs":[],
			"stateMutability":"nonpayable",
			"type":"function"
		}
	]`)
}

func GetERC20ABI() (*abi.ABI, error) {
	return ParseABI(`[
		{
			"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
			"name":"allowance",
			"outputs":[{"name":"","type":"uint256"}],
			"stateMutability":"view",
			"type":"function"
		},
		{
			"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
			"name":"approve",
			"outputs":[{"name":"","type":"bool"}],
			"stateMutability":"nonpayable",
			"type":"function"
		},
		{
			"inputs":[{"name":"account","type":"address"}],
			"name":"balanceOf",
			"outputs":[{"name":"","type":"uint256"}],
			"stateMutability":"view",
			"type":"function"
		}
	]`)
}
