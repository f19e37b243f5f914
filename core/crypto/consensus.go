package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/kabili207/feedroom/core"
)

// ConsensusIdentity is a key pair every holder of the same resource string
// derives identically. It owns the shared directory feed of a room, which
// turns a single-writer feed into one anyone in the room can append to.
type ConsensusIdentity struct {
	Address core.Address
	Signer  Signer
}

// DeriveConsensusIdentity derives the shared identity for resource. A
// resource that already is 32 bytes of hex (0x prefix optional) is used as
// key material directly; anything else is Keccak-256 hashed first.
func DeriveConsensusIdentity(resource string) (*ConsensusIdentity, error) {
	kp, err := KeyPairFromSeed(consensusSeed(resource))
	if err != nil {
		return nil, fmt.Errorf("deriving consensus identity: %w", err)
	}
	return &ConsensusIdentity{Address: kp.Address(), Signer: kp}, nil
}

func consensusSeed(resource string) []byte {
	trimmed := strings.TrimPrefix(resource, "0x")
	if len(trimmed) == 2*SeedSize {
		if seed, err := hex.DecodeString(trimmed); err == nil {
			return seed
		}
	}
	return ethcrypto.Keccak256([]byte(resource))
}
