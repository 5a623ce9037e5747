// Package authlogin computes the response to a keyed-hash login
// challenge, as used by CRAM-MD5 style SMTP/POP3 authentication.
package authlogin

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // fixed by the protocol
	"encoding/base64"
	"regexp"
)

// challengeRe finds the challenge in a server reply such as
// "334 PDE4OTYu...>\r\n".
var challengeRe = regexp.MustCompile(`\d\d\d\s+(.*)\r\n`)

// ExtractChallenge pulls the challenge text out of the last matched
// server reply.
func ExtractChallenge(reply string) (string, bool) {
	m := challengeRe.FindStringSubmatch(reply)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ComputeAuthLoginResponse returns base64(username + " " + digest) where
// digest is the raw HMAC-MD5 of password keyed with challenge.
//
// The challenge is used exactly as received; it is not base64-decoded
// first.
func ComputeAuthLoginResponse(challenge, username, password string) string {
	mac := hmac.New(md5.New, []byte(challenge))
	mac.Write([]byte(password))

	out := make([]byte, 0, len(username)+1+md5.Size)
	out = append(out, username...)
	out = append(out, ' ')
	out = mac.Sum(out)
	return base64.StdEncoding.EncodeToString(out)
}
