package krb5

// AP-REP support. gokrb5/v8's messages.APRep lacks a marshaller (it is
// only ever the receiving side of the Kerberos v5 protocol proper, never
// the GSS-API acceptor side), so go-remctl carries a small marshalling
// wrapper adapted from golang-auth-go-gssapi's krb5/APRep.go, itself
// derived from gokrb5's own APRep.go.

import (
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

type apRep struct {
	PVNO    int                 `asn1:"explicit,tag:0"`
	MsgType int                 `asn1:"explicit,tag:1"`
	EncPart types.EncryptedData `asn1:"explicit,tag:2"`
}

type encAPRepPart struct {
	CTime          time.Time           `asn1:"generalized,explicit,tag:0"`
	Cusec          int                 `asn1:"explicit,tag:1"`
	Subkey         types.EncryptionKey `asn1:"optional,explicit,tag:2"`
	SequenceNumber int64               `asn1:"optional,explicit,tag:3"`
}

func (a *apRep) unmarshal(b []byte) error {
	_, err := asn1.UnmarshalWithParams(b, a, fmt.Sprintf("application,explicit,tag:%v", asnAppTag.APREP))
	if err != nil {
		return fmt.Errorf("gssapi/krb5: unmarshal AP-REP: %w", err)
	}
	if a.MsgType != msgtype.KRB_AP_REP {
		return fmt.Errorf("gssapi/krb5: not an AP-REP (msg-type %d)", a.MsgType)
	}
	return nil
}

func (a *apRep) marshal() ([]byte, error) {
	b, err := asn1.Marshal(*a)
	if err != nil {
		return nil, err
	}
	return asn1tools.AddASNAppTag(b, asnAppTag.APREP), nil
}

func (a *apRep) decryptEncPart(sessionKey types.EncryptionKey) (encAPRepPart, error) {
	var part encAPRepPart
	decrypted, err := crypto.DecryptEncPart(a.EncPart, sessionKey, uint32(keyusage.AP_REP_ENCPART))
	if err != nil {
		return part, fmt.Errorf("gssapi/krb5: decrypt AP-REP enc-part: %w", err)
	}

	_, err = asn1.UnmarshalWithParams(decrypted, &part, fmt.Sprintf("application,explicit,tag:%v", asnAppTag.EncAPRepPart))
	if err != nil {
		return part, fmt.Errorf("gssapi/krb5: unmarshal AP-REP enc-part: %w", err)
	}
	return part, nil
}

func newAPRep(tkt messages.Ticket, sessionKey types.EncryptionKey, part encAPRepPart) (apRep, error) {
	m, err := asn1.Marshal(part)
	if err != nil {
		return apRep{}, fmt.Errorf("gssapi/krb5: marshal AP-REP enc-part: %w", err)
	}
	m = asn1tools.AddASNAppTag(m, asnAppTag.EncAPRepPart)

	ed, err := crypto.GetEncryptedData(m, sessionKey, uint32(keyusage.AP_REP_ENCPART), tkt.EncPart.KVNO)
	if err != nil {
		return apRep{}, fmt.Errorf("gssapi/krb5: encrypt AP-REP enc-part: %w", err)
	}

	return apRep{
		PVNO:    iana.PVNO,
		MsgType: msgtype.KRB_AP_REP,
		EncPart: ed,
	}, nil
}
