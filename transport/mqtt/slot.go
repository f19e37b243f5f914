package mqtt

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/kabili207/feedroom/core"
	"github.com/kabili207/feedroom/core/crypto"
	"github.com/kabili207/feedroom/core/feed"
	"github.com/kabili207/feedroom/transport"
)

var errInvalidSlot = errors.New("invalid feed slot")

// slot is the signed content of one feed entry. The owner's signature
// covers its deterministic CBOR encoding.
type slot struct {
	Owner []byte `cbor:"1,keyasint"`
	Topic []byte `cbor:"2,keyasint"`
	Index uint64 `cbor:"3,keyasint"`
	Ref   []byte `cbor:"4,keyasint"`
}

// envelope is what is retained on the broker.
type envelope struct {
	Slot      []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("mqtt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("mqtt: CBOR decoder initialization failed: " + err.Error())
	}
}

// sealSlot signs a feed entry for publication.
func sealSlot(signer crypto.Signer, topic feed.Topic, index uint64, ref transport.Reference) ([]byte, error) {
	owner := signer.Address()
	body, err := encMode.Marshal(slot{
		Owner: owner[:],
		Topic: topic[:],
		Index: index,
		Ref:   ref[:],
	})
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("signing slot: %w", err)
	}
	return encMode.Marshal(envelope{Slot: body, Signature: sig})
}

// openSlot decodes a retained envelope and checks that it was signed by
// owner for topic. When index is non-nil the slot must carry that index.
func openSlot(payload []byte, owner core.Address, topic feed.Topic, index *uint64) (*transport.FeedUpdate, error) {
	var env envelope
	if err := decMode.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidSlot, err)
	}
	if !crypto.Verify(owner, env.Slot, env.Signature) {
		return nil, fmt.Errorf("%w: bad signature", errInvalidSlot)
	}
	var s slot
	if err := decMode.Unmarshal(env.Slot, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidSlot, err)
	}
	if len(s.Ref) != transport.ReferenceSize || string(s.Owner) != string(owner[:]) || string(s.Topic) != string(topic[:]) {
		return nil, fmt.Errorf("%w: fields do not match request", errInvalidSlot)
	}
	if index != nil && s.Index != *index {
		return nil, fmt.Errorf("%w: index %d, want %d", errInvalidSlot, s.Index, *index)
	}
	u := &transport.FeedUpdate{Index: s.Index, NextIndex: s.Index + 1}
	copy(u.Reference[:], s.Ref)
	return u, nil
}
