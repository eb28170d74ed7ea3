package transport

import (
	"crypto/md5"
	"encoding/hex"
)

// RriotCredentials is the MQTT identity derived from one rriot login
// triple (u/s/k): the client id used both as the topic's client segment and
// the MQTT username, and the password the broker expects for it.
type RriotCredentials struct {
	Client   string
	Username string
	Password string
}

// DeriveRriotCredentials computes the MQTT client id, username, and
// password for an rriot u/s/k triple, following the cloud bus's
// endpoint-derivation scheme: the client id is the first 8 hex characters
// of md5(u:k), and the password is the last 16 hex characters of md5(s:k).
func DeriveRriotCredentials(u, s, k string) RriotCredentials {
	client := md5Hex(u + ":" + k)[:8]
	passwordHash := md5Hex(s + ":" + k)
	return RriotCredentials{
		Client:   client,
		Username: client,
		Password: passwordHash[len(passwordHash)-16:],
	}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
