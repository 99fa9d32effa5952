package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}

	// 32-byte key as hex
	if len(signer.PrivateKeyHex()) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(signer.PrivateKeyHex()))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in[:4], err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}
}

func TestFromPrivateKeyHex_Invalid(t *testing.T) {
	invalidKeys := []string{
		"",
		"0x",
		"not-hex",
		"1234", // too short
	}

	for _, key := range invalidKeys {
		if _, err := FromPrivateKeyHex(key); err == nil {
			t.Errorf("expected error for invalid key %q", key)
		}
	}
}

func TestSignTx_RecoversSender(t *testing.T) {
	signer, _ := GenerateKey()
	chainID := big.NewInt(31337)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})

	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != signer.Address() {
		t.Errorf("sender = %s, want %s", from.Hex(), signer.Address().Hex())
	}
}
