package krb5

// Wire framing for the two GSS-API Kerberos 5 mechanism tokens exchanged
// during context establishment (RFC 4121 § 4.1): the initiator's AP-REQ
// and, for mutual authentication, the acceptor's AP-REP. Adapted from
// golang-auth-go-gssapi's context_token.go; channel-binding support is
// dropped (see DESIGN.md — go-remctl has no TLS channel to bind to).

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/messages"

	"github.com/golang-auth/go-remctl/gssapi"
)

const (
	tokenIDAPReq   = "0100"
	tokenIDAPRep   = "0200"
	tokenIDKrbErr  = "0300"
	asnAppTagKrb5  = 0
	gssapiChecksum = 0x8003
)

func mechOID() asn1.ObjectIdentifier {
	return asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}
}

// mechToken is the outer GSSAPI container carrying exactly one of an
// AP-REQ, AP-REP, or KRB-ERROR.
type mechToken struct {
	tokID   []byte
	apReq   *messages.APReq
	apRep   *apRep
	krbErr  *messages.KRBError
}

func (t *mechToken) marshal() ([]byte, error) {
	b, _ := asn1.Marshal(mechOID())
	b = append(b, t.tokID...)

	var body []byte
	var err error
	switch hex.EncodeToString(t.tokID) {
	case tokenIDAPReq:
		body, err = t.apReq.Marshal()
	case tokenIDAPRep:
		body, err = t.apRep.marshal()
	case tokenIDKrbErr:
		body, err = t.krbErr.Marshal()
	}
	if err != nil {
		return nil, fmt.Errorf("gssapi/krb5: marshal mech token: %w", err)
	}

	b = append(b, body...)
	return asn1tools.AddASNAppTag(b, asnAppTagKrb5), nil
}

func (t *mechToken) unmarshal(b []byte) error {
	*t = mechToken{}

	var oid asn1.ObjectIdentifier
	r, err := asn1.UnmarshalWithParams(b, &oid, fmt.Sprintf("application,explicit,tag:%v", asnAppTagKrb5))
	if err != nil {
		return fmt.Errorf("gssapi/krb5: unmarshal mech token OID: %w", err)
	}
	if !oid.Equal(mechOID()) {
		return fmt.Errorf("%w: mech token OID %s, wanted %s", gssapi.ErrDefectiveToken, oid, mechOID())
	}
	if len(r) < 2 {
		return fmt.Errorf("%w: mech token too short", gssapi.ErrDefectiveToken)
	}

	t.tokID = r[0:2]
	switch hex.EncodeToString(t.tokID) {
	case tokenIDAPReq:
		var a messages.APReq
		if err := a.Unmarshal(r[2:]); err != nil {
			return fmt.Errorf("gssapi/krb5: unmarshal AP-REQ: %w", err)
		}
		t.apReq = &a
	case tokenIDAPRep:
		var a apRep
		if err := a.unmarshal(r[2:]); err != nil {
			return fmt.Errorf("gssapi/krb5: unmarshal AP-REP: %w", err)
		}
		t.apRep = &a
	case tokenIDKrbErr:
		var a messages.KRBError
		if err := a.Unmarshal(r[2:]); err != nil {
			return fmt.Errorf("gssapi/krb5: unmarshal KRB-ERROR: %w", err)
		}
		t.krbErr = &a
	default:
		return fmt.Errorf("%w: unrecognized mech token ID %x", gssapi.ErrDefectiveToken, t.tokID)
	}

	return nil
}

// authenticatorChecksum builds the GSSAPI checksum carried in the AP-REQ
// authenticator (RFC 4121 § 4.1.1): not a checksum at all, but a vehicle
// for the requested context flags. Channel binding is always disabled.
func authenticatorChecksum(flags gssapi.ContextFlag) []byte {
	a := make([]byte, 24)
	binary.LittleEndian.PutUint32(a[:4], 16) // channel binding info length, fixed
	binary.LittleEndian.PutUint32(a[20:24], uint32(flags))
	return a
}
