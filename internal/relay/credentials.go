package relay

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Credential parameters per §4.7: a time-bounded username whose HMAC-SHA1
// password is keyed off a daily key derived from the relay's shared secret,
// so a leaked day key stops minting valid passwords after
// saltRotationPeriod (plus the one prior bucket ValidateCredentials accepts).
const (
	skewTolerance      = 30 * time.Second
	saltRotationPeriod = 24 * time.Hour
)

var (
	ErrCredentialsMalformed = errors.New("relay: malformed username")
	ErrCredentialsExpired   = errors.New("relay: credentials expired")
	ErrCredentialsInvalid   = errors.New("relay: invalid password")
)

// GenerateCredentials mints a username/password pair valid for lifetime
// from now. salt is caller-supplied (e.g. a client or gateway id) purely to
// keep concurrently issued credentials distinct; it enters the password
// only as part of the username that is HMACed.
func GenerateCredentials(secret []byte, salt string, lifetime time.Duration, now time.Time) (username, password string) {
	expiry := now.Add(lifetime).Unix()
	username = strconv.FormatInt(expiry, 10) + ":" + salt
	password = computePassword(secret, username, dayBucket(now))
	return username, password
}

// ValidateCredentials checks username/password per §4.7: the expiry must
// not have passed more than skewTolerance ago, and the password must match
// the HMAC-SHA1 of username keyed by either the current or the immediately
// prior day's rotated key (so a request straddling a rotation boundary
// isn't spuriously rejected).
func ValidateCredentials(secret []byte, username, password string, now time.Time) error {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return ErrCredentialsMalformed
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrCredentialsMalformed
	}
	if now.Unix() > expiry+int64(skewTolerance.Seconds()) {
		return ErrCredentialsExpired
	}

	current := dayBucket(now)
	for _, bucket := range [2]int64{current, current - 1} {
		expected := computePassword(secret, username, bucket)
		if hmac.Equal([]byte(password), []byte(expected)) {
			return nil
		}
	}
	return ErrCredentialsInvalid
}

func dayBucket(t time.Time) int64 {
	return t.Unix() / int64(saltRotationPeriod.Seconds())
}

func computePassword(secret []byte, username string, bucket int64) string {
	mac := hmac.New(sha1.New, rotatedKey(secret, bucket))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// rotatedKey derives a day-scoped HMAC key from the relay secret.
func rotatedKey(secret []byte, bucket int64) []byte {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(strconv.FormatInt(bucket, 10)))
	return mac.Sum(nil)
}
