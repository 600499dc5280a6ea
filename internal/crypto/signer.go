package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	commandTypeHash = ethcrypto.Keccak256(
		[]byte("Command(bytes32 id,address caller,bytes32 op,bytes32 body,uint256 issuedAt)"),
	)

	eventBatchTypeHash = ethcrypto.Keccak256(
		[]byte("EventBatch(uint256 fromSeq,uint256 toSeq,bytes32 root)"),
	)
)

const (
	domainName    = "OTCSettle"
	domainVersion = "1"
)

// CommandPayload is the signed part of a command envelope. Body is the raw
// JSON of the operation arguments; only its hash is signed.
type CommandPayload struct {
	ID       string
	Caller   common.Address
	Op       string
	Body     []byte
	IssuedAt int64
}

// EventBatch identifies a contiguous run of published events by sequence
// range and the hash chain over their encodings.
type EventBatch struct {
	FromSeq uint64
	ToSeq   uint64
	Root    common.Hash
}

// Domain holds the cached EIP-712 domain separator for one chain.
type Domain struct {
	chainID   int
	separator []byte
}

// NewDomain pre-computes the domain separator for chainID.
func NewDomain(chainID int) Domain {
	return Domain{chainID: chainID, separator: buildDomainSeparator(domainName, domainVersion, chainID)}
}

// CommandDigest is the 32-byte EIP-712 digest a caller signs.
func (d Domain) CommandDigest(c CommandPayload) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			commandTypeHash,
			ethcrypto.Keccak256([]byte(c.ID)),
			common.LeftPadBytes(c.Caller.Bytes(), 32),
			ethcrypto.Keccak256([]byte(c.Op)),
			ethcrypto.Keccak256(c.Body),
			bigIntTo32Bytes(big.NewInt(c.IssuedAt)),
		),
	)
	return eip712Hash(d.separator, structHash)
}

// BatchDigest is the 32-byte EIP-712 digest of an event batch.
func (d Domain) BatchDigest(b EventBatch) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			eventBatchTypeHash,
			bigIntTo32Bytes(new(big.Int).SetUint64(b.FromSeq)),
			bigIntTo32Bytes(new(big.Int).SetUint64(b.ToSeq)),
			b.Root.Bytes(),
		),
	)
	return eip712Hash(d.separator, structHash)
}

// RecoverCommand returns the address that produced sig over c.
func (d Domain) RecoverCommand(c CommandPayload, sig string) (common.Address, error) {
	return recoverDigest(d.CommandDigest(c), sig)
}

// VerifyCommand reports whether sig over c was produced by c.Caller.
func (d Domain) VerifyCommand(c CommandPayload, sig string) error {
	addr, err := d.RecoverCommand(c, sig)
	if err != nil {
		return err
	}
	if addr != c.Caller {
		return fmt.Errorf("crypto/signer: command %s signed by %s, not %s", c.ID, addr.Hex(), c.Caller.Hex())
	}
	return nil
}

// RecoverBatch returns the address that signed an event batch.
func (d Domain) RecoverBatch(b EventBatch, sig string) (common.Address, error) {
	return recoverDigest(d.BatchDigest(b), sig)
}

// Signer produces EIP-712 signatures with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domain     Domain
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and
// the chain ID the signatures are scoped to.
func NewSigner(privateKeyHex string, chainID int) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domain:     NewDomain(chainID),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// Domain returns the signer's EIP-712 domain.
func (s *Signer) Domain() Domain {
	return s.domain
}

// SignCommand signs c. The caller field is forced to the signer's address.
func (s *Signer) SignCommand(c CommandPayload) (CommandPayload, string, error) {
	c.Caller = s.address
	sig, err := s.signDigest(s.domain.CommandDigest(c))
	return c, sig, err
}

// SignBatch signs an event batch header.
func (s *Signer) SignBatch(b EventBatch) (string, error) {
	return s.signDigest(s.domain.BatchDigest(b))
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func buildDomainSeparator(name, version string, chainID int) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(int64(chainID))),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// recoverDigest reverses signDigest.
func recoverDigest(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: signature is not hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
