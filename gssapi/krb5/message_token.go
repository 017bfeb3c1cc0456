package krb5

// Per-message tokens (RFC 4121 § 4.2): the Wrap token (confidentiality or
// integrity protection of a payload) and the MIC token (detached
// integrity, used only by the v1 legacy exchange in wire/secure).
// Adapted from golang-auth-go-gssapi's v2/krb5/message_token.go, itself
// derived from gokrb5's gssapi/wrapToken.go with sealing added.

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/types"
)

const (
	msgTokenHdrLen          = 16
	msgTokenFillerByte byte = 0xFF
)

type msgTokenFlag uint8

const (
	flagSentByAcceptor msgTokenFlag = 1 << iota
	flagSealed
	flagAcceptorSubkey
)

func wrapTokenID() [2]byte { return [2]byte{0x05, 0x04} }
func micTokenID() [2]byte  { return [2]byte{0x04, 0x04} }

type wrapToken struct {
	Flags          msgTokenFlag
	EC             uint16
	RRC            uint16
	SequenceNumber uint64
	Payload        []byte
	signedOrSealed bool
}

type micToken struct {
	Flags          msgTokenFlag
	SequenceNumber uint64
	Checksum       []byte
	signed         bool
}

func sealUsage(fromAcceptor bool) uint32 {
	if fromAcceptor {
		return uint32(keyusage.GSSAPI_ACCEPTOR_SEAL)
	}
	return uint32(keyusage.GSSAPI_INITIATOR_SEAL)
}

func signUsage(fromAcceptor bool) uint32 {
	if fromAcceptor {
		return uint32(keyusage.GSSAPI_ACCEPTOR_SIGN)
	}
	return uint32(keyusage.GSSAPI_INITIATOR_SIGN)
}

func (wt *wrapToken) header() []byte {
	hdr := make([]byte, msgTokenHdrLen)
	id := wrapTokenID()
	hdr[0], hdr[1] = id[0], id[1]
	hdr[2] = byte(wt.Flags)
	hdr[3] = msgTokenFillerByte
	binary.BigEndian.PutUint64(hdr[8:], wt.SequenceNumber)
	return hdr
}

func (wt *wrapToken) computeChecksum(key types.EncryptionKey) ([]byte, error) {
	usage := sealUsage(wt.Flags&flagSentByAcceptor != 0)
	data := append(append([]byte{}, wt.Payload...), wt.header()...)

	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return nil, fmt.Errorf("gssapi/krb5: %w", err)
	}
	return encType.GetChecksumHash(key.KeyValue, data, usage)
}

// Sign computes and appends an integrity checksum over the payload plus
// header, per RFC 4121 § 4.2.4.
func (wt *wrapToken) Sign(key types.EncryptionKey) error {
	if wt.Payload == nil {
		return errors.New("gssapi/krb5: cannot sign a token with no payload")
	}
	if wt.signedOrSealed {
		return errors.New("gssapi/krb5: token is already signed or sealed")
	}

	sig, err := wt.computeChecksum(key)
	if err != nil {
		return err
	}
	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return fmt.Errorf("gssapi/krb5: %w", err)
	}

	wt.Payload = append(wt.Payload, sig...)
	wt.EC = uint16(encType.GetHMACBitLength() / 8)
	wt.RRC = 0
	wt.signedOrSealed = true
	return nil
}

// Seal encrypts the payload in place, per RFC 4121 § 4.2.4.
func (wt *wrapToken) Seal(key types.EncryptionKey) error {
	if wt.Payload == nil {
		return errors.New("gssapi/krb5: cannot seal a token with no payload")
	}
	if wt.signedOrSealed {
		return errors.New("gssapi/krb5: token is already signed or sealed")
	}

	toEncrypt := append(append([]byte{}, wt.Payload...), wt.header()...)
	usage := sealUsage(wt.Flags&flagSentByAcceptor != 0)

	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return fmt.Errorf("gssapi/krb5: %w", err)
	}
	_, encData, err := encType.EncryptMessage(key.KeyValue, toEncrypt, usage)
	if err != nil {
		return fmt.Errorf("gssapi/krb5: %w", err)
	}

	wt.Payload = encData
	wt.EC = 0
	wt.RRC = 0
	wt.signedOrSealed = true
	return nil
}

func (wt *wrapToken) Marshal() ([]byte, error) {
	if !wt.signedOrSealed {
		return nil, errors.New("gssapi/krb5: wrap token not signed or sealed")
	}

	token := make([]byte, msgTokenHdrLen+len(wt.Payload))
	id := wrapTokenID()
	token[0], token[1] = id[0], id[1]
	token[2] = byte(wt.Flags)
	token[3] = msgTokenFillerByte
	binary.BigEndian.PutUint16(token[4:6], wt.EC)
	binary.BigEndian.PutUint16(token[6:8], wt.RRC)
	binary.BigEndian.PutUint64(token[8:16], wt.SequenceNumber)
	copy(token[16:], wt.Payload)
	return token, nil
}

func (wt *wrapToken) Unmarshal(token []byte) error {
	*wt = wrapToken{}

	if len(token) < msgTokenHdrLen {
		return fmt.Errorf("%w: wrap token too short", errDefectiveToken)
	}
	if token[0] == 0x60 {
		return fmt.Errorf("%w: GSS-API v1 framing not supported", errDefectiveToken)
	}

	id := wrapTokenID()
	if !bytes.Equal(id[:], token[0:2]) {
		return fmt.Errorf("%w: bad wrap token ID", errDefectiveToken)
	}
	wt.Flags = msgTokenFlag(token[2])
	if token[3] != msgTokenFillerByte {
		return fmt.Errorf("%w: bad wrap token filler", errDefectiveToken)
	}

	wt.EC = binary.BigEndian.Uint16(token[4:6])
	wt.RRC = binary.BigEndian.Uint16(token[6:8])
	wt.SequenceNumber = binary.BigEndian.Uint64(token[8:16])
	if len(token) > msgTokenHdrLen {
		wt.Payload = token[16:]
	}
	wt.signedOrSealed = true
	return nil
}

// VerifyAndDecode unseals or verifies the token and returns whether it
// was sealed (encrypted) as opposed to merely signed.
func (wt *wrapToken) VerifyAndDecode(key types.EncryptionKey, expectFromAcceptor bool) (bool, error) {
	if !wt.signedOrSealed {
		return false, errors.New("gssapi/krb5: wrap token not signed or sealed")
	}
	if len(wt.Payload) == 0 {
		return false, errors.New("gssapi/krb5: empty wrap token payload")
	}
	if isFromAcceptor := wt.Flags&flagSentByAcceptor != 0; isFromAcceptor != expectFromAcceptor {
		return false, fmt.Errorf("gssapi/krb5: wrap token direction mismatch")
	}

	if wt.Flags&flagSealed != 0 {
		return true, wt.decrypt(key)
	}
	return false, wt.checkSig(key)
}

func (wt *wrapToken) decrypt(key types.EncryptionKey) error {
	usage := sealUsage(wt.Flags&flagSentByAcceptor != 0)
	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return fmt.Errorf("gssapi/krb5: %w", err)
	}

	decrypted, err := encType.DecryptMessage(key.KeyValue, wt.Payload, usage)
	if err != nil {
		return fmt.Errorf("%w: %s", errDefectiveToken, err)
	}
	if len(decrypted) < int(wt.EC)+msgTokenHdrLen {
		return fmt.Errorf("%w: decrypted wrap token too short", errDefectiveToken)
	}

	trailer := decrypted[len(decrypted)-msgTokenHdrLen:]
	var check wrapToken
	if err := check.Unmarshal(trailer); err != nil {
		return err
	}
	if check.Flags != wt.Flags || check.EC != wt.EC || check.SequenceNumber != wt.SequenceNumber {
		return fmt.Errorf("%w: wrap token header modified in transit", errDefectiveToken)
	}

	wt.Payload = decrypted[:len(decrypted)-msgTokenHdrLen-int(wt.EC)]
	wt.signedOrSealed = false
	return nil
}

func (wt *wrapToken) checkSig(key types.EncryptionKey) error {
	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return fmt.Errorf("gssapi/krb5: %w", err)
	}
	if wt.EC != uint16(encType.GetHMACBitLength()/8) {
		return fmt.Errorf("%w: bad wrap token checksum length", errDefectiveToken)
	}
	if len(wt.Payload) < int(wt.EC) {
		return fmt.Errorf("%w: signed wrap token payload too short", errDefectiveToken)
	}

	tokCksum := wt.Payload[len(wt.Payload)-int(wt.EC):]
	rest := wrapToken{Flags: wt.Flags, EC: wt.EC, RRC: wt.RRC, SequenceNumber: wt.SequenceNumber,
		Payload: wt.Payload[:len(wt.Payload)-int(wt.EC)]}
	computed, err := rest.computeChecksum(key)
	if err != nil {
		return err
	}
	if !hmac.Equal(tokCksum, computed) {
		return fmt.Errorf("%w: invalid wrap token checksum", errBadMIC)
	}

	wt.Payload = rest.Payload
	wt.signedOrSealed = false
	return nil
}

func (mt *micToken) header() []byte {
	hdr := make([]byte, msgTokenHdrLen)
	id := micTokenID()
	hdr[0], hdr[1] = id[0], id[1]
	hdr[2] = byte(mt.Flags)
	hdr[3], hdr[4], hdr[5], hdr[6], hdr[7] = 0xFF, 0xFF, 0xFF, 0xFF, 0xFF
	binary.BigEndian.PutUint64(hdr[8:], mt.SequenceNumber)
	return hdr
}

func (mt *micToken) Sign(payload []byte, key types.EncryptionKey) error {
	usage := signUsage(mt.Flags&flagSentByAcceptor != 0)
	data := append(append([]byte{}, payload...), mt.header()...)

	encType, err := crypto.GetEtype(key.KeyType)
	if err != nil {
		return fmt.Errorf("gssapi/krb5: %w", err)
	}
	mt.Checksum, err = encType.GetChecksumHash(key.KeyValue, data, usage)
	if err != nil {
		return fmt.Errorf("gssapi/krb5: %w", err)
	}
	mt.signed = true
	return nil
}

func (mt *micToken) Marshal() ([]byte, error) {
	if !mt.signed {
		return nil, errors.New("gssapi/krb5: MIC token not signed")
	}
	token := make([]byte, msgTokenHdrLen+len(mt.Checksum))
	id := micTokenID()
	token[0], token[1] = id[0], id[1]
	token[2] = byte(mt.Flags)
	copy(token[3:8], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	binary.BigEndian.PutUint64(token[8:16], mt.SequenceNumber)
	copy(token[16:], mt.Checksum)
	return token, nil
}

func (mt *micToken) Unmarshal(token []byte) error {
	*mt = micToken{}
	if len(token) < msgTokenHdrLen {
		return fmt.Errorf("%w: MIC token too short", errDefectiveToken)
	}
	id := micTokenID()
	if !bytes.Equal(id[:], token[0:2]) {
		return fmt.Errorf("%w: bad MIC token ID", errDefectiveToken)
	}
	mt.Flags = msgTokenFlag(token[2])
	if !bytes.Equal(token[3:8], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		return fmt.Errorf("%w: bad MIC token filler", errDefectiveToken)
	}
	mt.SequenceNumber = binary.BigEndian.Uint64(token[8:16])
	if len(token) > msgTokenHdrLen {
		mt.Checksum = token[16:]
	}
	mt.signed = true
	return nil
}

func (mt *micToken) Verify(payload []byte, key types.EncryptionKey, expectFromAcceptor bool) error {
	if !mt.signed {
		return errors.New("gssapi/krb5: MIC token not signed")
	}
	if len(payload) == 0 {
		return errors.New("gssapi/krb5: cannot verify an empty MIC payload")
	}
	if isFromAcceptor := mt.Flags&flagSentByAcceptor != 0; isFromAcceptor != expectFromAcceptor {
		return fmt.Errorf("gssapi/krb5: MIC token direction mismatch")
	}

	check := micToken{Flags: mt.Flags, SequenceNumber: mt.SequenceNumber}
	if err := check.Sign(payload, key); err != nil {
		return err
	}
	if !bytes.Equal(mt.Checksum, check.Checksum) {
		return fmt.Errorf("%w: invalid MIC checksum", errBadMIC)
	}
	return nil
}
