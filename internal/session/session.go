// Package session implements X3DH-style initial key agreement, the
// symmetric ratchet that derives per-message send/receive keys, and
// authenticated per-message encryption with Perfect Forward Secrecy.
// See spec.md §4.C.
package session

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/identity"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/primitives"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/protoerr"
)

const (
	infoX3DH           = "PhantomX3DH"
	infoSessionKeys    = "PhantomSessionKeys"
	infoChainRatchet   = "PhantomChainRatchet"
	infoMessageKey     = "PhantomMessageKey"
	messageVersion     = 1
	baseIterations     = 600000
	securitySaltSize   = 16
)

var zeroSalt32 [32]byte

// SessionKeys is the live, mutable ratchet state shared symmetrically by
// both parties to a conversation: A.send == B.receive and vice versa.
type SessionKeys struct {
	SendKey       [32]byte
	ReceiveKey    [32]byte
	Chain         [32]byte
	MessageNumber uint32
}

// Zeroize overwrites every secret field in place.
func (k *SessionKeys) Zeroize() {
	primitives.Zeroize(k.SendKey[:])
	primitives.Zeroize(k.ReceiveKey[:])
	primitives.Zeroize(k.Chain[:])
}

// InitiateX3DH runs the initiator side of the asynchronous key agreement:
// the caller owns initiatorID and is beginning a session against
// recipientBundle. Returns the 32-byte master secret and the ephemeral
// public key that must be sent to the responder, along with the id of the
// one-time pre-key consumed (0 if none was available in the bundle).
func InitiateX3DH(initiatorID *identity.Identity, recipientBundle identity.PublicBundle) (masterSecret [32]byte, ephemeralPublic [32]byte, usedOneTimePreKeyID uint32, err error) {
	if !primitives.Verify(recipientBundle.SignedPreKey.Public[:], recipientBundle.SignedPreKey.Signature, recipientBundle.SigningKey) {
		return masterSecret, ephemeralPublic, 0, fmt.Errorf("session: initiate_x3dh: %w", protoerr.ErrAuthFail)
	}

	ikA, err := initiatorID.IdentityKeyPair()
	if err != nil {
		return masterSecret, ephemeralPublic, 0, fmt.Errorf("session: initiate_x3dh: %w", err)
	}
	ekA, err := primitives.X25519KeyPair()
	if err != nil {
		return masterSecret, ephemeralPublic, 0, fmt.Errorf("session: initiate_x3dh: %w", err)
	}
	defer primitives.Zeroize(ekA.Secret[:])

	spkB := recipientBundle.SignedPreKey.Public
	ikB := recipientBundle.IdentityKey

	dh1, err := primitives.DH(ikA.Secret[:], spkB[:])
	if err != nil {
		return masterSecret, ephemeralPublic, 0, fmt.Errorf("session: initiate_x3dh dh1: %w", protoerr.ErrKeyExchangeFailed)
	}
	defer primitives.Zeroize(dh1[:])
	dh2, err := primitives.DH(ekA.Secret[:], ikB[:])
	if err != nil {
		return masterSecret, ephemeralPublic, 0, fmt.Errorf("session: initiate_x3dh dh2: %w", protoerr.ErrKeyExchangeFailed)
	}
	defer primitives.Zeroize(dh2[:])
	dh3, err := primitives.DH(ekA.Secret[:], spkB[:])
	if err != nil {
		return masterSecret, ephemeralPublic, 0, fmt.Errorf("session: initiate_x3dh dh3: %w", protoerr.ErrKeyExchangeFailed)
	}
	defer primitives.Zeroize(dh3[:])

	concat := make([]byte, 0, 128)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	var otpID uint32
	if len(recipientBundle.OneTimePreKeys) > 0 {
		otpk := recipientBundle.OneTimePreKeys[0]
		dh4, err := primitives.DH(ekA.Secret[:], otpk.Public[:])
		if err != nil {
			return masterSecret, ephemeralPublic, 0, fmt.Errorf("session: initiate_x3dh dh4: %w", protoerr.ErrKeyExchangeFailed)
		}
		concat = append(concat, dh4[:]...)
		primitives.Zeroize(dh4[:])
		otpID = otpk.ID
	}

	out, err := primitives.HKDF(concat, zeroSalt32[:], []byte(infoX3DH), 32)
	primitives.Zeroize(concat)
	if err != nil {
		return masterSecret, ephemeralPublic, 0, fmt.Errorf("session: initiate_x3dh hkdf: %w", err)
	}
	copy(masterSecret[:], out)
	primitives.Zeroize(out)
	ephemeralPublic = ekA.Public

	return masterSecret, ephemeralPublic, otpID, nil
}

// RespondX3DH runs the responder side, mirroring InitiateX3DH's DH
// sequence with the responder's own secrets. usedOneTimePreKey is nil if
// the initiator's bundle fetch did not include one.
func RespondX3DH(responderID *identity.Identity, initiatorIdentityPublic, initiatorEphemeralPublic [32]byte, usedOneTimePreKey *identity.PreKey) (masterSecret [32]byte, err error) {
	ikB, err := responderID.IdentityKeyPair()
	if err != nil {
		return masterSecret, fmt.Errorf("session: respond_x3dh: %w", err)
	}

	signedPreKey, err := responderID.CurrentSignedPreKey()
	if err != nil {
		return masterSecret, fmt.Errorf("session: respond_x3dh: %w", err)
	}

	dh1, err := primitives.DH(signedPreKey.KeyPair.Secret[:], initiatorIdentityPublic[:])
	if err != nil {
		return masterSecret, fmt.Errorf("session: respond_x3dh dh1: %w", protoerr.ErrKeyExchangeFailed)
	}
	defer primitives.Zeroize(dh1[:])
	dh2, err := primitives.DH(ikB.Secret[:], initiatorEphemeralPublic[:])
	if err != nil {
		return masterSecret, fmt.Errorf("session: respond_x3dh dh2: %w", protoerr.ErrKeyExchangeFailed)
	}
	defer primitives.Zeroize(dh2[:])
	dh3, err := primitives.DH(signedPreKey.KeyPair.Secret[:], initiatorEphemeralPublic[:])
	if err != nil {
		return masterSecret, fmt.Errorf("session: respond_x3dh dh3: %w", protoerr.ErrKeyExchangeFailed)
	}
	defer primitives.Zeroize(dh3[:])

	concat := make([]byte, 0, 128)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if usedOneTimePreKey != nil {
		dh4, err := primitives.DH(usedOneTimePreKey.KeyPair.Secret[:], initiatorEphemeralPublic[:])
		if err != nil {
			return masterSecret, fmt.Errorf("session: respond_x3dh dh4: %w", protoerr.ErrKeyExchangeFailed)
		}
		concat = append(concat, dh4[:]...)
		primitives.Zeroize(dh4[:])
	}

	out, err := primitives.HKDF(concat, zeroSalt32[:], []byte(infoX3DH), 32)
	primitives.Zeroize(concat)
	if err != nil {
		return masterSecret, fmt.Errorf("session: respond_x3dh hkdf: %w", err)
	}
	copy(masterSecret[:], out)
	primitives.Zeroize(out)
	return masterSecret, nil
}

// DeriveSessionKeys turns a DH shared secret plus the two public keys
// involved into a symmetric {send, receive, chain} triple. Calling this
// with the same shared secret and the same two public keys, but with
// ourPublic/theirPublic swapped, yields send/receive swapped too — this
// is what gives both parties a consistent view (A.send == B.receive).
func DeriveSessionKeys(shared [32]byte, ourPublic, theirPublic [32]byte) (SessionKeys, error) {
	var lo, hi [32]byte
	if lexCompare(ourPublic[:], theirPublic[:]) < 0 {
		lo, hi = ourPublic, theirPublic
	} else {
		lo, hi = theirPublic, ourPublic
	}
	info := make([]byte, 0, len(infoSessionKeys)+64)
	info = append(info, []byte(infoSessionKeys)...)
	info = append(info, lo[:]...)
	info = append(info, hi[:]...)

	out, err := primitives.HKDF(shared[:], zeroSalt32[:], info, 96)
	if err != nil {
		return SessionKeys{}, fmt.Errorf("session: derive_session_keys: %w", err)
	}
	defer primitives.Zeroize(out)

	var k1, k2, chain [32]byte
	copy(k1[:], out[0:32])
	copy(k2[:], out[32:64])
	copy(chain[:], out[64:96])

	keys := SessionKeys{Chain: chain, MessageNumber: 0}
	if lexCompare(ourPublic[:], theirPublic[:]) < 0 {
		keys.SendKey, keys.ReceiveKey = k1, k2
	} else {
		keys.SendKey, keys.ReceiveKey = k2, k1
	}
	return keys, nil
}

func lexCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

// EncryptedMessage is the wire-visible ciphertext envelope of §3.
type EncryptedMessage struct {
	Version             uint8
	Ciphertext          []byte
	Nonce               []byte
	Tag                 []byte
	MAC                 []byte
	EphemeralPublicKey  [32]byte
	SecuritySalt        []byte
}

// EncryptMessage seals plaintext for recipientPublic under the running
// session's chain key, generating a fresh ephemeral key pair for PFS on
// every call per spec.md §4.C.3. session.MessageNumber is read but not
// advanced here — callers advance it via Ratchet after a successful
// send/receive per the protocol's lock-step ratchet schedule.
func EncryptMessage(plaintext []byte, session *SessionKeys, recipientPublic [32]byte) (EncryptedMessage, error) {
	ek, err := primitives.X25519KeyPair()
	if err != nil {
		return EncryptedMessage{}, fmt.Errorf("session: encrypt_message: %w", err)
	}
	defer primitives.Zeroize(ek.Secret[:])

	ss, err := primitives.DH(ek.Secret[:], recipientPublic[:])
	if err != nil {
		return EncryptedMessage{}, fmt.Errorf("session: encrypt_message: %w", protoerr.ErrKeyExchangeFailed)
	}
	defer primitives.Zeroize(ss[:])

	messageKeys, err := DeriveSessionKeys(ss, ek.Public, recipientPublic)
	if err != nil {
		return EncryptedMessage{}, fmt.Errorf("session: encrypt_message: %w", err)
	}
	defer messageKeys.Zeroize()

	payload := buildPayload(session.MessageNumber, plaintext)

	securitySalt, err := primitives.RandomBytes(securitySaltSize)
	if err != nil {
		return EncryptedMessage{}, fmt.Errorf("session: encrypt_message: %w", err)
	}

	aad := buildAAD(recipientPublic, ek.Public, session.MessageNumber)

	enhanced := primitives.PBKDF2SHA256(messageKeys.SendKey[:], securitySalt, iterationsFor(securitySalt), 32)
	ciphertext, nonce, tag, err := primitives.AEADEncrypt(enhanced, payload, aad)
	primitives.Zeroize(enhanced)
	if err != nil {
		return EncryptedMessage{}, fmt.Errorf("session: encrypt_message: %w", err)
	}

	macInput := append(append([]byte(nil), ciphertext...), nonce...)
	mac := primitives.HMACSHA256(session.Chain[:], macInput)

	return EncryptedMessage{
		Version:            messageVersion,
		Ciphertext:          ciphertext,
		Nonce:               nonce,
		Tag:                 tag,
		MAC:                 mac,
		EphemeralPublicKey:  ek.Public,
		SecuritySalt:        securitySalt,
	}, nil
}

// DecryptMessage mirrors EncryptMessage. recipientSecret/recipientPublic
// are the identity key pair of the decrypting party, matching the
// recipientPublic the sender encrypted to. MAC is checked before any
// AEAD operation runs; a mismatch never touches the ciphertext.
func DecryptMessage(msg EncryptedMessage, session *SessionKeys, recipientSecret, recipientPublic [32]byte) (content []byte, timestamp uint64, messageNumber uint32, err error) {
	if msg.Version != messageVersion {
		return nil, 0, 0, protoerr.ErrVersionUnsupported
	}

	macInput := append(append([]byte(nil), msg.Ciphertext...), msg.Nonce...)
	expectedMAC := primitives.HMACSHA256(session.Chain[:], macInput)
	if !primitives.ConstantTimeEq(expectedMAC, msg.MAC) {
		return nil, 0, 0, fmt.Errorf("session: decrypt_message: %w", protoerr.ErrAuthFail)
	}

	ss, err := primitives.DH(recipientSecret[:], msg.EphemeralPublicKey[:])
	if err != nil {
		return nil, 0, 0, fmt.Errorf("session: decrypt_message: %w", protoerr.ErrKeyExchangeFailed)
	}
	defer primitives.Zeroize(ss[:])

	messageKeys, err := DeriveSessionKeys(ss, recipientPublic, msg.EphemeralPublicKey)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("session: decrypt_message: %w", err)
	}
	defer messageKeys.Zeroize()

	aad := buildAAD(recipientPublic, msg.EphemeralPublicKey, session.MessageNumber)

	enhanced := primitives.PBKDF2SHA256(messageKeys.ReceiveKey[:], msg.SecuritySalt, iterationsFor(msg.SecuritySalt), 32)
	payload, err := primitives.AEADDecrypt(enhanced, msg.Ciphertext, msg.Nonce, msg.Tag, aad)
	primitives.Zeroize(enhanced)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("session: decrypt_message: %w", err)
	}

	return parsePayload(payload)
}

func buildAAD(recipientPublic, ephemeralPublic [32]byte, messageNumber uint32) []byte {
	aad := make([]byte, 0, 32+32+4)
	aad = append(aad, recipientPublic[:]...)
	aad = append(aad, ephemeralPublic[:]...)
	var numBuf [4]byte
	binary.BigEndian.PutUint32(numBuf[:], messageNumber)
	aad = append(aad, numBuf[:]...)
	return aad
}

func iterationsFor(salt []byte) int {
	return baseIterations + int(salt[0])<<8 + int(salt[1])
}

func buildPayload(messageNumber uint32, content []byte) []byte {
	buf := make([]byte, 8+4+4+len(content))
	binary.BigEndian.PutUint64(buf[0:8], uint64(time.Now().Unix()))
	binary.BigEndian.PutUint32(buf[8:12], messageNumber)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(content)))
	copy(buf[16:], content)
	return buf
}

func parsePayload(buf []byte) ([]byte, uint64, uint32, error) {
	if len(buf) < 16 {
		return nil, 0, 0, fmt.Errorf("session: parse_payload: %w", protoerr.ErrBadFormat)
	}
	timestamp := binary.BigEndian.Uint64(buf[0:8])
	messageNumber := binary.BigEndian.Uint32(buf[8:12])
	contentLength := binary.BigEndian.Uint32(buf[12:16])
	if int(contentLength) != len(buf)-16 {
		return nil, 0, 0, fmt.Errorf("session: parse_payload: %w", protoerr.ErrBadFormat)
	}
	content := append([]byte(nil), buf[16:]...)
	return content, timestamp, messageNumber, nil
}

// Ratchet advances the chain, deriving fresh send/receive keys and
// incrementing message_number. Old chain and key material is zeroized
// before being overwritten.
func Ratchet(session *SessionKeys) error {
	newChain, err := primitives.HKDF(session.Chain[:], zeroSalt32[:], []byte(infoChainRatchet), 32)
	if err != nil {
		return fmt.Errorf("session: ratchet: %w", err)
	}
	keys, err := primitives.HKDF(newChain, zeroSalt32[:], []byte(infoMessageKey), 64)
	if err != nil {
		primitives.Zeroize(newChain)
		return fmt.Errorf("session: ratchet: %w", err)
	}

	session.Zeroize()
	copy(session.Chain[:], newChain)
	copy(session.SendKey[:], keys[0:32])
	copy(session.ReceiveKey[:], keys[32:64])
	session.MessageNumber++

	primitives.Zeroize(newChain)
	primitives.Zeroize(keys)
	return nil
}

// burnEnvelope is the JSON shape create_burn_message wraps plaintext in
// before handing it to EncryptMessage, per spec.md §4.C.5.
type burnEnvelope struct {
	Content       string `json:"content"`
	BurnToken     string `json:"burnToken"`
	BurnAfterRead bool   `json:"burnAfterRead"`
}

// CreateBurnMessage wraps content as a burn-after-read envelope and
// encrypts it exactly as EncryptMessage would. The server has no
// special-case handling of this flag; the recipient's client alone is
// responsible for deleting local state once read.
func CreateBurnMessage(content string, session *SessionKeys, recipientPublic [32]byte) (EncryptedMessage, error) {
	token, err := primitives.RandomBytes(32)
	if err != nil {
		return EncryptedMessage{}, fmt.Errorf("session: create_burn_message: %w", err)
	}
	env := burnEnvelope{
		Content:       content,
		BurnToken:     base64.StdEncoding.EncodeToString(token),
		BurnAfterRead: true,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return EncryptedMessage{}, fmt.Errorf("session: create_burn_message: %w", err)
	}
	return EncryptMessage(raw, session, recipientPublic)
}
