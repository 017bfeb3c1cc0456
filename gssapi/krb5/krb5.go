// SPDX-License-Identifier: Apache-2.0

// Package krb5 is the Kerberos 5 backend for the gssapi package. It wires
// github.com/jcmturner/gokrb5/v8's pure-Go Kerberos implementation into
// go-remctl's abstract gssapi.Library/gssapi.SecContext interfaces.
// Adapted from golang-auth-go-gssapi's v2/krb5 package (krb5.go,
// message_token.go, context_token.go, krb5/APRep.go): that version
// combined mechanism selection, context state, and the GSS-API registry
// entry point into one Mech type; here the same establishment and
// per-message-token logic is split to match gssapi.Library/SecContext and
// trimmed of channel-binding and SSF/wrap-size-limit support that
// go-remctl's protocol layer has no use for (see SPEC_FULL.md).
package krb5

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	ianaerrcode "github.com/jcmturner/gokrb5/v8/iana/errorcode"
	ianaflags "github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/golang-auth/go-remctl/gssapi"
)

var (
	errDefectiveToken = gssapi.ErrDefectiveToken
	errBadMIC         = gssapi.ErrBadMIC
)

// ClockSkew bounds the tolerated difference between peer clocks when
// validating an AP-REQ's authenticator timestamp.
var ClockSkew = 5 * time.Second

// AcceptorISNPolicy selects how an acceptor without mutual authentication
// derives its own initial sequence number, since it has no opportunity to
// communicate it to the initiator.
type AcceptorISNPolicy int

const (
	// AcceptorISNFollowsInitiator uses the initiator's ISN (MIT-compatible, default).
	AcceptorISNFollowsInitiator AcceptorISNPolicy = iota
	// AcceptorISNZero always starts at zero (Heimdal-compatible).
	AcceptorISNZero
)

var DefaultAcceptorISN = AcceptorISNFollowsInitiator

func init() {
	gssapi.RegisterLibrary("kerberos_v5", func() gssapi.Library { return &library{} })
}

// library implements gssapi.Library for the Kerberos 5 mechanism.
type library struct{}

// credential is a gssapi.Credential backed by a gokrb5 client (initiator
// side, loaded from a credentials cache) or a keytab path (acceptor side).
type credential struct {
	name       string
	initClient *client.Client
	acceptKt   string
}

func (c *credential) Name() string    { return c.name }
func (c *credential) Release() error  { return nil }

// AcquireCredential loads the initiator's ticket cache (name is informational
// only — the real identity comes from KRB5CCNAME) or records the acceptor's
// keytab path for later AP-REQ verification.
func (l *library) AcquireCredential(name string, usage gssapi.CredUsage) (gssapi.Credential, error) {
	if usage == gssapi.CredUsageAcceptOnly {
		kt := krbKeytabFile()
		return &credential{name: name, acceptKt: kt}, nil
	}

	cfg, err := config.Load(krbConfFile())
	if err != nil {
		return nil, fmt.Errorf("gssapi/krb5: loading krb5.conf: %w", err)
	}
	ccache, err := credentials.LoadCCache(krbCCFile())
	if err != nil {
		return nil, fmt.Errorf("gssapi/krb5: loading credentials cache: %w", err)
	}
	cl, err := client.NewFromCCache(ccache, cfg)
	if err != nil {
		return nil, fmt.Errorf("gssapi/krb5: creating krb5 client: %w", err)
	}
	if err := cl.AffirmLogin(); err != nil {
		return nil, fmt.Errorf("gssapi/krb5: checking TGT: %w", err)
	}

	return &credential{name: cl.Credentials.CName().PrincipalNameString(), initClient: cl}, nil
}

// context is go-remctl's gssapi.SecContext implementation for Kerberos 5.
type context struct {
	isInitiator      bool
	established      bool
	waitingForMutual bool
	mutualRequested  bool

	service    string
	ticket     *messages.Ticket
	sessionKey *types.EncryptionKey

	clientCTime time.Time
	clientCusec int

	sessionFlags gssapi.ContextFlag
	requestFlags gssapi.ContextFlag

	ourSeq, theirSeq uint64
	initiatorSubkey  *types.EncryptionKey
	acceptorSubkey   *types.EncryptionKey

	peerName string
	acceptKt string
}

func (c *context) ContinueNeeded() bool { return !c.established }

func (c *context) Inquire() (*gssapi.SecContextInfo, error) {
	if !c.established {
		return nil, gssapi.ErrNoContext
	}
	return &gssapi.SecContextInfo{
		InitiatorName:    c.peerName,
		Flags:            c.sessionFlags,
		LocallyInitiated: c.isInitiator,
		FullyEstablished: c.established,
	}, nil
}

func (c *context) Delete() error { return nil }

// InitSecContext drives the initiator side of establishment. On the first
// call ctx is nil; on subsequent calls (waiting for an AP-REP) pass the
// context this function previously returned.
func (l *library) InitSecContext(ctx gssapi.SecContext, cred gssapi.Credential, target string, inputToken []byte) (gssapi.SecContext, []byte, error) {
	c, _ := ctx.(*context)
	credr, _ := cred.(*credential)
	if credr == nil || credr.initClient == nil {
		return nil, nil, errors.New("gssapi/krb5: InitSecContext requires an initiate credential")
	}

	if c == nil {
		tkt, key, err := credr.initClient.GetServiceTicket(target)
		if err != nil {
			return nil, nil, fmt.Errorf("gssapi/krb5: getting service ticket for %q: %w", target, err)
		}

		c = &context{
			isInitiator:     true,
			service:         target,
			ticket:          &tkt,
			sessionKey:      &key,
			requestFlags:    gssapi.ContextFlagMutual | gssapi.ContextFlagConf | gssapi.ContextFlagInteg | gssapi.ContextFlagReplay | gssapi.ContextFlagSequence,
			mutualRequested: true,
			peerName:        fmt.Sprintf("%s@%s", tkt.SName.PrincipalNameString(), tkt.Realm),
		}
		c.sessionFlags = gssapi.ContextFlagConf | gssapi.ContextFlagInteg | gssapi.ContextFlagReplay | gssapi.ContextFlagSequence

		auth, err := types.NewAuthenticator(credr.initClient.Credentials.Domain(), credr.initClient.Credentials.CName())
		if err != nil {
			return nil, nil, fmt.Errorf("gssapi/krb5: new authenticator: %w", err)
		}
		auth.SeqNumber &= 0x3fffffff
		auth.Cksum = types.Checksum{CksumType: chksumtype.GSSAPI, Checksum: authenticatorChecksum(c.requestFlags)}

		apreq, err := messages.NewAPReq(*c.ticket, *c.sessionKey, auth)
		if err != nil {
			return nil, nil, fmt.Errorf("gssapi/krb5: new AP-REQ: %w", err)
		}
		if c.mutualRequested {
			types.SetFlag(&apreq.APOptions, ianaflags.APOptionMutualRequired)
		}
		c.ourSeq = uint64(auth.SeqNumber)
		c.clientCTime, c.clientCusec = auth.CTime, auth.Cusec

		out := mechToken{tokID: []byte{0x01, 0x00}, apReq: &apreq}
		outBytes, err := out.marshal()
		if err != nil {
			return nil, nil, err
		}

		if !c.mutualRequested {
			c.established = true
			c.theirSeq = seedAcceptorISN(c.ourSeq)
			return c, outBytes, nil
		}

		c.waitingForMutual = true
		return c, outBytes, gssapi.ErrContinueNeeded
	}

	if !c.waitingForMutual {
		return c, nil, errors.New("gssapi/krb5: context already established")
	}

	var in mechToken
	if err := in.unmarshal(inputToken); err != nil {
		return c, nil, err
	}
	if in.krbErr != nil {
		return c, nil, fmt.Errorf("gssapi/krb5: %s", in.krbErr.Error())
	}
	if in.apRep == nil {
		return c, nil, fmt.Errorf("%w: expected AP-REP", errDefectiveToken)
	}

	part, err := in.apRep.decryptEncPart(*c.sessionKey)
	if err != nil {
		return c, nil, err
	}
	if part.CTime.Unix() != c.clientCTime.Unix() || part.Cusec != c.clientCusec {
		return c, nil, errors.New("gssapi/krb5: mutual authentication failed: time mismatch in AP-REP")
	}

	c.theirSeq = uint64(part.SequenceNumber)
	if part.Subkey.KeyType != 0 {
		c.acceptorSubkey = &part.Subkey
	}
	c.established = true
	c.waitingForMutual = false
	c.sessionFlags |= gssapi.ContextFlagMutual

	return c, nil, nil
}

// AcceptSecContext drives the acceptor side. ctx is always nil: a single
// AP-REQ token is enough to establish (or reject) a Kerberos context.
func (l *library) AcceptSecContext(ctx gssapi.SecContext, cred gssapi.Credential, inputToken []byte) (gssapi.SecContext, []byte, error) {
	credr, _ := cred.(*credential)
	if credr == nil {
		return nil, nil, errors.New("gssapi/krb5: AcceptSecContext requires an accept credential")
	}

	var in mechToken
	if err := in.unmarshal(inputToken); err != nil {
		return nil, nil, err
	}
	if in.krbErr != nil {
		return nil, nil, fmt.Errorf("gssapi/krb5: %s", in.krbErr.Error())
	}
	if in.apReq == nil {
		out, _ := (&mechToken{tokID: []byte{0x03, 0x00}, krbErr: krbErrorMsg(ianaerrcode.KRB_AP_ERR_MSG_TYPE, "expected AP-REQ")}).marshal()
		return nil, out, fmt.Errorf("%w: expected AP-REQ", errDefectiveToken)
	}

	if err := verifyAPReq(credr.acceptKt, in.apReq, ClockSkew); err != nil {
		out, _ := (&mechToken{tokID: []byte{0x03, 0x00}, krbErr: krbErrorMsg(ianaerrcode.KRB_AP_ERR_BAD_INTEGRITY, err.Error())}).marshal()
		return nil, out, fmt.Errorf("gssapi/krb5: AP-REQ verification failed: %w", err)
	}

	c := &context{
		isInitiator: false,
		theirSeq:    uint64(in.apReq.Authenticator.SeqNumber),
		clientCTime: in.apReq.Authenticator.CTime,
		clientCusec: in.apReq.Authenticator.Cusec,
		ticket:      &in.apReq.Ticket,
		sessionKey:  &in.apReq.Ticket.DecryptedEncPart.Key,
		peerName: fmt.Sprintf("%s@%s",
			in.apReq.Ticket.DecryptedEncPart.CName.PrincipalNameString(),
			in.apReq.Ticket.DecryptedEncPart.CRealm),
	}
	c.sessionFlags = gssapi.ContextFlagConf | gssapi.ContextFlagInteg | gssapi.ContextFlagReplay | gssapi.ContextFlagSequence

	if in.apReq.Authenticator.SubKey.KeyType != 0 {
		c.initiatorSubkey = &in.apReq.Authenticator.SubKey
	}
	if len(in.apReq.Authenticator.Cksum.Checksum) >= 24 {
		requested := gssapi.ContextFlag(leUint32(in.apReq.Authenticator.Cksum.Checksum[20:24]))
		c.sessionFlags &= requested
	}

	var outBytes []byte
	if types.IsFlagSet(&in.apReq.APOptions, ianaflags.APOptionMutualRequired) {
		seq := randSeq()
		part := encAPRepPart{CTime: c.clientCTime, Cusec: c.clientCusec, SequenceNumber: seq}
		aprep, err := newAPRep(*c.ticket, *c.sessionKey, part)
		if err != nil {
			return nil, nil, err
		}
		out := mechToken{tokID: []byte{0x02, 0x00}, apRep: &aprep}
		outBytes, err = out.marshal()
		if err != nil {
			return nil, nil, err
		}
		c.ourSeq = uint64(seq)
		c.sessionFlags |= gssapi.ContextFlagMutual
	} else {
		c.ourSeq = seedAcceptorISN(c.theirSeq)
	}

	c.established = true
	return c, outBytes, nil
}

func seedAcceptorISN(initiatorISN uint64) uint64 {
	if DefaultAcceptorISN == AcceptorISNZero {
		return 0
	}
	return initiatorISN
}

// randSeq derives an acceptor initial sequence number. MIT-compatible
// implementations restrict it below 2^30 so later wraparound into
// "negative" 32-bit values never occurs (see newAPRep callers upstream).
func randSeq() int64 {
	return rand.Int63n(1 << 30)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func krbErrorMsg(code int32, msg string) *messages.KRBError {
	ke := messages.NewKRBError(types.PrincipalName{}, "", code, msg)
	return &ke
}

func verifyAPReq(ktFile string, apreq *messages.APReq, skew time.Duration) error {
	kt, err := keytab.Load(ktFile)
	if err != nil {
		return fmt.Errorf("no usable keytab at %q: %w", ktFile, err)
	}

	if err := apreq.Ticket.DecryptEncPart(kt, &apreq.Ticket.SName); err != nil {
		return fmt.Errorf("could not decrypt ticket: %w", err)
	}
	if ok, err := apreq.Ticket.Valid(skew); err != nil || !ok {
		return fmt.Errorf("ticket not valid: %w", err)
	}
	if err := apreq.DecryptAuthenticator(apreq.Ticket.DecryptedEncPart.Key); err != nil {
		return fmt.Errorf("could not decrypt authenticator: %w", err)
	}
	if apreq.Authenticator.Cksum.CksumType != chksumtype.GSSAPI {
		return errors.New("wrong authenticator checksum type")
	}
	if len(apreq.Authenticator.Cksum.Checksum) < 24 {
		return errors.New("authenticator checksum too short")
	}
	if !apreq.Authenticator.CName.Equal(apreq.Ticket.DecryptedEncPart.CName) {
		return errors.New("authenticator CName does not match ticket")
	}

	ct := apreq.Authenticator.CTime.Add(time.Duration(apreq.Authenticator.Cusec) * time.Microsecond)
	now := time.Now().UTC()
	if now.Sub(ct) > skew || ct.Sub(now) > skew {
		return fmt.Errorf("clock skew exceeds %s", skew)
	}

	return nil
}

// --- per-message protection (Wrap/Unwrap/GetMIC/VerifyMIC) ---

func (c *context) currentKey() *types.EncryptionKey {
	switch {
	case c.acceptorSubkey != nil:
		return c.acceptorSubkey
	case c.initiatorSubkey != nil:
		return c.initiatorSubkey
	default:
		return c.sessionKey
	}
}

func (c *context) Wrap(msg []byte, conf bool) ([]byte, bool, error) {
	var flags msgTokenFlag
	if !c.isInitiator {
		flags |= flagSentByAcceptor
	}
	if conf {
		flags |= flagSealed
	}

	key := c.sessionKey
	switch {
	case c.acceptorSubkey != nil:
		key = c.acceptorSubkey
		flags |= flagAcceptorSubkey
	case c.initiatorSubkey != nil:
		key = c.initiatorSubkey
	}

	wt := wrapToken{Flags: flags, SequenceNumber: c.ourSeq, Payload: append([]byte{}, msg...)}
	var err error
	if conf {
		err = wt.Seal(*key)
	} else {
		err = wt.Sign(*key)
	}
	if err != nil {
		return nil, false, err
	}
	c.ourSeq++

	out, err := wt.Marshal()
	return out, conf, err
}

func (c *context) Unwrap(token []byte) ([]byte, bool, error) {
	var wt wrapToken
	if err := wt.Unmarshal(token); err != nil {
		return nil, false, err
	}

	var key types.EncryptionKey
	switch {
	case wt.Flags&flagAcceptorSubkey != 0:
		if c.acceptorSubkey == nil {
			return nil, false, errors.New("gssapi/krb5: acceptor subkey not negotiated")
		}
		key = *c.acceptorSubkey
	case c.initiatorSubkey != nil:
		key = *c.initiatorSubkey
	default:
		key = *c.currentKey()
	}

	sealed, err := wt.VerifyAndDecode(key, c.isInitiator)
	if err != nil {
		return nil, false, err
	}

	if c.sessionFlags.Has(gssapi.ContextFlagReplay) || c.sessionFlags.Has(gssapi.ContextFlagSequence) {
		if wt.SequenceNumber != c.theirSeq {
			return nil, false, fmt.Errorf("gssapi/krb5: bad sequence number: got %d want %d", wt.SequenceNumber, c.theirSeq)
		}
	}
	c.theirSeq++

	return wt.Payload, sealed, nil
}

func (c *context) GetMIC(msg []byte) ([]byte, error) {
	var flags msgTokenFlag
	if !c.isInitiator {
		flags |= flagSentByAcceptor
	}

	key := c.currentKey()
	if c.acceptorSubkey != nil {
		flags |= flagAcceptorSubkey
	}

	mt := micToken{Flags: flags, SequenceNumber: c.ourSeq}
	if err := mt.Sign(msg, *key); err != nil {
		return nil, err
	}
	return mt.Marshal()
}

func (c *context) VerifyMIC(msg, mic []byte) error {
	var mt micToken
	if err := mt.Unmarshal(mic); err != nil {
		return err
	}

	var key types.EncryptionKey
	switch {
	case mt.Flags&flagAcceptorSubkey != 0:
		if c.acceptorSubkey == nil {
			return errors.New("gssapi/krb5: acceptor subkey not negotiated")
		}
		key = *c.acceptorSubkey
	case c.initiatorSubkey != nil:
		key = *c.initiatorSubkey
	default:
		key = *c.sessionKey
	}

	if err := mt.Verify(msg, key, c.isInitiator); err != nil {
		return err
	}

	if c.sessionFlags.Has(gssapi.ContextFlagReplay) || c.sessionFlags.Has(gssapi.ContextFlagSequence) {
		if mt.SequenceNumber != c.theirSeq {
			return fmt.Errorf("gssapi/krb5: bad sequence number: got %d want %d", mt.SequenceNumber, c.theirSeq)
		}
	}
	c.theirSeq++

	return nil
}

func krbConfFile() string {
	if v, ok := os.LookupEnv("KRB5_CONFIG"); ok {
		return v
	}
	return "/etc/krb5.conf"
}

func krbCCFile() string {
	v, ok := os.LookupEnv("KRB5CCNAME")
	if !ok {
		v = fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
	}
	return strings.TrimPrefix(v, "FILE:")
}

func krbKeytabFile() string {
	v, ok := os.LookupEnv("KRB5_KTNAME")
	if !ok {
		v = fmt.Sprintf("/etc/krb5.keytab")
	}
	return strings.TrimPrefix(v, "FILE:")
}
