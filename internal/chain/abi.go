package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	gameABI  abi.ABI
	tokenABI abi.ABI
)

func init() {
	var err error

	gameABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "closeRound",
			"type": "function",
			"inputs": [
				{"name": "result", "type": "uint8"},
				{"name": "rate", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "currentRoundId",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "balances",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("game abi parse: " + err.Error())
	}

	tokenABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "oracleMint",
			"type": "function",
			"inputs": [{"name": "rate", "type": "uint256"}],
			"outputs": []
		},
		{
			"name": "oracleBurn",
			"type": "function",
			"inputs": [{"name": "rate", "type": "uint256"}],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("token abi parse: " + err.Error())
	}
}
