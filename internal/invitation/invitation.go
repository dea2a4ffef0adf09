// Package invitation implements signed, expiring, use-capped invitation
// tokens: a creator seals a small bundle of claims, hands out a
// human-readable code, and any holder of the code can validate it
// against the creator's public signing key without contacting the
// creator. See spec.md §4.E.
package invitation

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/darkwarrior5/phantom-messenger-sub000/internal/primitives"
	"github.com/darkwarrior5/phantom-messenger-sub000/internal/protoerr"
)

const (
	infoInvitation    = "PhantomInvitation"
	codePrefix        = "PHM-"
	codeGroupSize     = 4
	defaultExpiresIn  = 24 * time.Hour
)

// Options configures a newly generated invitation.
type Options struct {
	ExpiresIn     time.Duration // zero means defaultExpiresIn
	SingleUse     bool
	MaxUses       int // ignored if SingleUse is true (treated as 1)
	Metadata      map[string]string
}

// claims is the plaintext sealed inside an invitation, per spec.md §4.E.
type claims struct {
	CreatorPublic  string            `json:"creatorPublic"`
	CreatorSigning string            `json:"creatorSigning"`
	ExpiresAt      int64             `json:"expiresAt"`
	SingleUse      bool              `json:"singleUse"`
	MaxUses        int               `json:"maxUses"`
	UsesRemaining  int               `json:"usesRemaining"`
	Metadata       map[string]string `json:"metadata"`
	CreatedAt      int64             `json:"createdAt"`
}

// Invitation is the server/holder-side representation: wrap key material
// needed to validate plus the sealed bundle. revoked is consulted by
// IsValid even though the sealed ciphertext itself never encodes it —
// spec.md "revoke(i) sets a flag consulted by is_valid".
type Invitation struct {
	mu sync.Mutex

	ID         [32]byte
	Secret     [32]byte
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
	Signature  []byte
	ExpiresAt  int64

	revoked bool
}

// Data is what Validate returns on success: the decoded claims plus
// liveness derived from UsesRemaining/expiry/revocation.
type Data struct {
	CreatorPublic  [32]byte
	CreatorSigning []byte
	ExpiresAt      time.Time
	SingleUse      bool
	MaxUses        int
	UsesRemaining  int
	Metadata       map[string]string
	CreatedAt      time.Time
}

// CreatorIdentity is the minimal surface Generate needs from the caller's
// identity: an X25519 public key to advertise and an Ed25519 key pair to
// sign with.
type CreatorIdentity struct {
	Public        [32]byte
	SigningPublic []byte
	SigningSecret []byte
}

// Generate creates a new invitation and its human-readable code. secret
// is returned separately because it (concatenated with id) IS the code;
// callers needing to re-derive the wrap key out of band use it directly.
func Generate(creator CreatorIdentity, opts Options) (*Invitation, string, [32]byte, error) {
	idBytes, err := primitives.RandomBytes(32)
	if err != nil {
		return nil, "", [32]byte{}, fmt.Errorf("invitation: generate: %w", err)
	}
	secretBytes, err := primitives.RandomBytes(32)
	if err != nil {
		return nil, "", [32]byte{}, fmt.Errorf("invitation: generate: %w", err)
	}

	var id, secret [32]byte
	copy(id[:], idBytes)
	copy(secret[:], secretBytes)

	expiresIn := opts.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)

	maxUses := opts.MaxUses
	if opts.SingleUse || maxUses <= 0 {
		maxUses = 1
	}

	wrapKey, err := primitives.HKDF(secret[:], id[:], []byte(infoInvitation), 32)
	if err != nil {
		return nil, "", [32]byte{}, fmt.Errorf("invitation: generate: %w", err)
	}
	defer primitives.Zeroize(wrapKey)

	c := claims{
		CreatorPublic:  base64.StdEncoding.EncodeToString(creator.Public[:]),
		CreatorSigning: base64.StdEncoding.EncodeToString(creator.SigningPublic),
		ExpiresAt:      expiresAt.Unix(),
		SingleUse:      opts.SingleUse,
		MaxUses:        maxUses,
		UsesRemaining:  maxUses,
		Metadata:       opts.Metadata,
		CreatedAt:      now.Unix(),
	}
	plaintext, err := json.Marshal(c)
	if err != nil {
		return nil, "", [32]byte{}, fmt.Errorf("invitation: generate: %w", err)
	}

	ciphertext, nonce, tag, err := primitives.AEADEncrypt(wrapKey, plaintext, nil)
	if err != nil {
		return nil, "", [32]byte{}, fmt.Errorf("invitation: generate: %w", err)
	}

	signed := make([]byte, 0, len(id)+len(ciphertext)+8)
	signed = append(signed, id[:]...)
	signed = append(signed, ciphertext...)
	var expiresLE [8]byte
	binary.LittleEndian.PutUint64(expiresLE[:], uint64(expiresAt.Unix()))
	signed = append(signed, expiresLE[:]...)

	sig := primitives.Sign(signed, creator.SigningSecret)

	inv := &Invitation{
		ID:         id,
		Secret:     secret,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Tag:        tag,
		Signature:  sig,
		ExpiresAt:  expiresAt.Unix(),
	}

	code := encodeCode(id, secret)
	return inv, code, secret, nil
}

func encodeCode(id, secret [32]byte) string {
	raw := make([]byte, 0, 64)
	raw = append(raw, id[:]...)
	raw = append(raw, secret[:]...)
	flat := base64.RawStdEncoding.EncodeToString(raw)

	var groups []string
	for i := 0; i < len(flat); i += codeGroupSize {
		end := i + codeGroupSize
		if end > len(flat) {
			end = len(flat)
		}
		groups = append(groups, flat[i:end])
	}
	return codePrefix + strings.Join(groups, "-")
}

func decodeCode(code string) (id, secret [32]byte, err error) {
	if !strings.HasPrefix(code, codePrefix) {
		return id, secret, protoerr.ErrBadFormat
	}
	flat := strings.ReplaceAll(strings.TrimPrefix(code, codePrefix), "-", "")
	raw, decErr := base64.RawStdEncoding.DecodeString(flat)
	if decErr != nil || len(raw) != 64 {
		return id, secret, protoerr.ErrBadFormat
	}
	copy(id[:], raw[:32])
	copy(secret[:], raw[32:])
	return id, secret, nil
}

// Validate parses a code, checks expiry and signature, and AEAD-decrypts
// the sealed claims. inv must be the party-of-record for that id (the
// server-side lookup by id is the caller's responsibility); Validate only
// performs the cryptographic and liveness checks.
func Validate(code string, inv *Invitation, creatorSigningPublic []byte) (Data, error) {
	id, secret, err := decodeCode(code)
	if err != nil {
		return Data{}, fmt.Errorf("invitation: validate: %w", err)
	}
	if id != inv.ID {
		return Data{}, fmt.Errorf("invitation: validate: %w", protoerr.ErrNotFound)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.revoked {
		return Data{}, fmt.Errorf("invitation: validate: %w", protoerr.ErrRevoked)
	}
	if time.Now().UTC().Unix() > inv.ExpiresAt {
		return Data{}, fmt.Errorf("invitation: validate: %w", protoerr.ErrExpired)
	}

	signed := make([]byte, 0, len(inv.ID)+len(inv.Ciphertext)+8)
	signed = append(signed, inv.ID[:]...)
	signed = append(signed, inv.Ciphertext...)
	var expiresLE [8]byte
	binary.LittleEndian.PutUint64(expiresLE[:], uint64(inv.ExpiresAt))
	signed = append(signed, expiresLE[:]...)
	if !primitives.Verify(signed, inv.Signature, creatorSigningPublic) {
		return Data{}, fmt.Errorf("invitation: validate: %w", protoerr.ErrAuthFail)
	}

	wrapKey, err := primitives.HKDF(secret[:], id[:], []byte(infoInvitation), 32)
	if err != nil {
		return Data{}, fmt.Errorf("invitation: validate: %w", err)
	}
	defer primitives.Zeroize(wrapKey)

	plaintext, err := primitives.AEADDecrypt(wrapKey, inv.Ciphertext, inv.Nonce, inv.Tag, nil)
	if err != nil {
		return Data{}, fmt.Errorf("invitation: validate: %w", err)
	}

	var c claims
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return Data{}, fmt.Errorf("invitation: validate: %w", protoerr.ErrBadFormat)
	}

	if c.UsesRemaining <= 0 {
		return Data{}, fmt.Errorf("invitation: validate: %w", protoerr.ErrExhausted)
	}

	creatorPublicBytes, err := base64.StdEncoding.DecodeString(c.CreatorPublic)
	if err != nil || len(creatorPublicBytes) != 32 {
		return Data{}, fmt.Errorf("invitation: validate: %w", protoerr.ErrBadFormat)
	}
	creatorSigningBytes, err := base64.StdEncoding.DecodeString(c.CreatorSigning)
	if err != nil {
		return Data{}, fmt.Errorf("invitation: validate: %w", protoerr.ErrBadFormat)
	}

	var creatorPublic [32]byte
	copy(creatorPublic[:], creatorPublicBytes)

	return Data{
		CreatorPublic:  creatorPublic,
		CreatorSigning: creatorSigningBytes,
		ExpiresAt:      time.Unix(c.ExpiresAt, 0).UTC(),
		SingleUse:      c.SingleUse,
		MaxUses:        c.MaxUses,
		UsesRemaining:  c.UsesRemaining,
		Metadata:       c.Metadata,
		CreatedAt:      time.Unix(c.CreatedAt, 0).UTC(),
	}, nil
}

// Revoke flags the invitation so every subsequent IsValid/Validate call
// fails with protoerr.ErrRevoked.
func (inv *Invitation) Revoke() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.revoked = true
}

// IsValid is a cheap liveness check: not revoked, not expired. It does
// not re-verify the signature or decrypt claims — use Validate for that.
func (inv *Invitation) IsValid() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return !inv.revoked && time.Now().UTC().Unix() <= inv.ExpiresAt
}
