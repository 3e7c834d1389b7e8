// Package signer attaches an HMAC-SHA256 signature header to outbound
// callback requests.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/pitabwire/callhook/model"
)

// ErrSignerNoBody is returned when Sign is invoked on a request with a nil
// body; signing an empty payload is not a meaningful operation.
var ErrSignerNoBody = errors.New("signer: request has no body to sign")

// Signer computes and attaches a signature header to a CallbackRequest.
type Signer interface {
	Sign(req *model.CallbackRequest) error
}

// HMACSigner signs a request body with HMAC-SHA256 and attaches
// X-Signature: sha256=<lowercase hex>.
type HMACSigner struct {
	Secret []byte
}

// NewHMACSigner builds an HMACSigner over the given secret.
func NewHMACSigner(secret []byte) HMACSigner {
	return HMACSigner{Secret: secret}
}

// Sign implements Signer.
func (s HMACSigner) Sign(req *model.CallbackRequest) error {
	if len(req.Body) == 0 {
		return ErrSignerNoBody
	}
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write(req.Body)
	sum := mac.Sum(nil)
	req.Headers.Set(model.HeaderSignature, "sha256="+hex.EncodeToString(sum))
	return nil
}
