package peer

import mpcerrors "github.com/pushchain/mpc-relay/mpc/errors"

var (
	ErrPeerAlreadyExists           = mpcerrors.New(mpcerrors.CodeHandshake, "peer already exists")
	ErrPeerAlreadyExistsMaybeRace  = mpcerrors.New(mpcerrors.CodeHandshake, "peer already exists, maybe race")
	ErrInvalidPeerHandshakeMessage = mpcerrors.New(mpcerrors.CodeHandshake, "invalid peer handshake message")
	ErrNotHandshakeState           = mpcerrors.New(mpcerrors.CodeHandshake, "peer channel not in handshake state")
	ErrNotTransportState           = mpcerrors.New(mpcerrors.CodeHandshake, "peer channel not in transport state")
	ErrPeerNotFound                = mpcerrors.New(mpcerrors.CodeHandshake, "peer not found")
	ErrDecryptFailed               = mpcerrors.New(mpcerrors.CodeHandshake, "failed to decrypt peer message")
)
