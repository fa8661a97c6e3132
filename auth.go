package orkestra

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ambiyansyah-risyal/orkestra/body"
	"github.com/ambiyansyah-risyal/orkestra/configbag"
	"github.com/ambiyansyah-risyal/orkestra/identity"
)

// AuthSchemeID names an authentication scheme.
type AuthSchemeID string

const (
	AuthSchemeAnonymous AuthSchemeID = "anonymous"
	AuthSchemeBearer    AuthSchemeID = "http-bearer"
	AuthSchemeHMAC      AuthSchemeID = "orkestra-hmac-sha256"
)

// SigningProperties are the per-attempt inputs of a signer.
type SigningProperties struct {
	Region string
	Name   string
	Time   time.Time
	// Presign moves the signature into query parameters valid for ExpiresIn.
	Presign   bool
	ExpiresIn time.Duration
}

// Signer signs a request with an identity.
type Signer interface {
	SignRequest(req *HTTPRequest, id identity.Identity, props SigningProperties) error
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(req *HTTPRequest, id identity.Identity, props SigningProperties) error

// SignRequest implements Signer.
func (f SignerFunc) SignRequest(req *HTTPRequest, id identity.Identity, props SigningProperties) error {
	return f(req, id, props)
}

// AuthScheme pairs a scheme id with its signer.
type AuthScheme interface {
	SchemeID() AuthSchemeID
	Signer() Signer
}

type authScheme struct {
	id     AuthSchemeID
	signer Signer
}

func (a authScheme) SchemeID() AuthSchemeID { return a.id }
func (a authScheme) Signer() Signer         { return a.signer }

// NewAuthScheme returns an AuthScheme.
func NewAuthScheme(id AuthSchemeID, signer Signer) AuthScheme {
	return authScheme{id: id, signer: signer}
}

// AnonymousAuthScheme leaves requests unsigned.
func AnonymousAuthScheme() AuthScheme {
	return NewAuthScheme(AuthSchemeAnonymous, SignerFunc(func(*HTTPRequest, identity.Identity, SigningProperties) error {
		return nil
	}))
}

// BearerAuthScheme signs with an identity.Token.
func BearerAuthScheme() AuthScheme { return NewAuthScheme(AuthSchemeBearer, BearerSigner{}) }

// HMACAuthScheme signs with identity.Credentials.
func HMACAuthScheme() AuthScheme { return NewAuthScheme(AuthSchemeHMAC, HMACSigner{}) }

type anonymousIdentity struct{}

func (anonymousIdentity) Fingerprint() string { return "anonymous" }

// anonymousResolver is always registered for the anonymous scheme.
var anonymousResolver = identity.ResolverFunc(func(context.Context) (identity.Identity, error) {
	return identity.New(anonymousIdentity{}, time.Time{}), nil
})

// BearerSigner sets "Authorization: Bearer <token>".
type BearerSigner struct{}

// SignRequest implements Signer.
func (BearerSigner) SignRequest(req *HTTPRequest, id identity.Identity, props SigningProperties) error {
	tok, ok := identity.DataAs[identity.Token](id)
	if !ok {
		return fmt.Errorf("bearer signer: identity is %T, want identity.Token", id.Data())
	}
	if props.Presign {
		return errors.New("bearer signer: presigning is not supported")
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	return nil
}

const (
	hmacAlgorithm      = "ORKESTRA-HMAC-SHA256"
	hmacTerminator     = "orkestra_request"
	hmacTimeFormat     = "20060102T150405Z"
	hmacDayFormat      = "20060102"
	headerDate         = "X-Orkestra-Date"
	headerContentHash  = "X-Orkestra-Content-Sha256"
	headerSessionToken = "X-Orkestra-Security-Token"
	unsignedPayload    = "UNSIGNED-PAYLOAD"

	queryAlgorithm     = "X-Orkestra-Algorithm"
	queryCredential    = "X-Orkestra-Credential"
	queryDate          = "X-Orkestra-Date"
	queryExpires       = "X-Orkestra-Expires"
	querySignedHeaders = "X-Orkestra-SignedHeaders"
	querySessionToken  = "X-Orkestra-Security-Token"
	querySignature     = "X-Orkestra-Signature"
)

// HMACSigner computes an HMAC-SHA256 signature over a canonical request.
// Header mode sets Authorization; presign mode sets query parameters and
// removes any Authorization header.
type HMACSigner struct{}

// SignRequest implements Signer.
func (HMACSigner) SignRequest(req *HTTPRequest, id identity.Identity, props SigningProperties) error {
	creds, ok := identity.DataAs[identity.Credentials](id)
	if !ok {
		return fmt.Errorf("hmac signer: identity is %T, want identity.Credentials", id.Data())
	}
	if props.Region == "" || props.Name == "" {
		return errors.New("hmac signer: signing region and name are required")
	}
	if req.URL == nil || req.URL.Host == "" {
		return errors.New("hmac signer: request has no host")
	}

	t := props.Time.UTC()
	stamp := t.Format(hmacTimeFormat)
	scope := strings.Join([]string{t.Format(hmacDayFormat), props.Region, props.Name, hmacTerminator}, "/")

	var (
		signedHeaders []string
		payloadHash   string
	)
	if props.Presign {
		req.Header.Del("Authorization")
		expires := props.ExpiresIn
		if expires <= 0 {
			expires = 15 * time.Minute
		}
		q := req.URL.Query()
		q.Set(queryAlgorithm, hmacAlgorithm)
		q.Set(queryCredential, creds.AccessKeyID+"/"+scope)
		q.Set(queryDate, stamp)
		q.Set(queryExpires, strconv.Itoa(int(expires/time.Second)))
		q.Set(querySignedHeaders, "host")
		if creds.SessionToken != "" {
			q.Set(querySessionToken, creds.SessionToken)
		}
		q.Del(querySignature)
		req.URL.RawQuery = q.Encode()
		signedHeaders = []string{"host"}
		payloadHash = unsignedPayload
	} else {
		payloadHash = hashPayload(req.Body)
		req.Header.Set(headerDate, stamp)
		req.Header.Set(headerContentHash, payloadHash)
		if creds.SessionToken != "" {
			req.Header.Set(headerSessionToken, creds.SessionToken)
		}
		signedHeaders = headersToSign(req)
	}

	canonical := canonicalRequest(req, signedHeaders, payloadHash)
	sum := sha256.Sum256([]byte(canonical))
	stringToSign := strings.Join([]string{hmacAlgorithm, stamp, scope, hex.EncodeToString(sum[:])}, "\n")

	key := deriveSigningKey(creds.SecretAccessKey, t.Format(hmacDayFormat), props.Region, props.Name)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	if props.Presign {
		q := req.URL.Query()
		q.Set(querySignature, signature)
		req.URL.RawQuery = q.Encode()
		return nil
	}
	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		hmacAlgorithm, creds.AccessKeyID, scope, strings.Join(signedHeaders, ";"), signature))
	return nil
}

func hashPayload(b body.Body) string {
	data, ok := body.InMemory(b)
	if !ok {
		return unsignedPayload
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func headersToSign(req *HTTPRequest) []string {
	names := []string{"host"}
	for k := range req.Header {
		lk := strings.ToLower(k)
		if lk == "host" || lk == "authorization" || lk == "user-agent" {
			continue
		}
		if strings.HasPrefix(lk, "x-orkestra-") || lk == "content-type" || lk == "content-md5" {
			names = append(names, lk)
		}
	}
	sort.Strings(names)
	return names
}

func canonicalRequest(req *HTTPRequest, signedHeaders []string, payloadHash string) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte('\n')
	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(canonicalQuery(req.URL.Query()))
	b.WriteByte('\n')
	for _, h := range signedHeaders {
		var v string
		if h == "host" {
			v = req.URL.Host
		} else {
			v = strings.Join(req.Header.Values(h), ",")
		}
		b.WriteString(h)
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(v))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(strings.Join(signedHeaders, ";"))
	b.WriteByte('\n')
	b.WriteString(payloadHash)
	return b.String()
}

func canonicalQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		if k == querySignature {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), q[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func deriveSigningKey(secret, day, region, name string) []byte {
	k := hmacSHA256([]byte("ORKESTRA"+secret), []byte(day))
	k = hmacSHA256(k, []byte(region))
	k = hmacSHA256(k, []byte(name))
	return hmacSHA256(k, []byte(hmacTerminator))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// selectAuthScheme returns the first preferred scheme that is registered
// and has an identity resolver.
func selectAuthScheme(op *Operation, rc *RuntimeComponents, cfg *configbag.Bag) (AuthScheme, identity.Resolver, error) {
	pref := []AuthSchemeID(configbag.LoadOr[AuthSchemePreference](cfg, nil))
	if len(pref) == 0 {
		pref = op.AuthSchemes
	}
	if len(pref) == 0 {
		for _, s := range rc.AuthSchemes {
			pref = append(pref, s.SchemeID())
		}
	}

	var tried []string
	for _, id := range pref {
		scheme, ok := rc.AuthScheme(id)
		if !ok {
			tried = append(tried, string(id)+" (not registered)")
			continue
		}
		if id == AuthSchemeAnonymous {
			return scheme, anonymousResolver, nil
		}
		r, ok := rc.IdentityResolver(id)
		if !ok || r == nil {
			tried = append(tried, string(id)+" (no identity resolver)")
			continue
		}
		return scheme, r, nil
	}
	return nil, nil, fmt.Errorf("no auth scheme available, tried: %s", strings.Join(tried, ", "))
}
