package identity

import "golang.org/x/crypto/bcrypt"

// MinSecretKeyLen guards against trivially guessable keys at registration.
const MinSecretKeyLen = 8

func HashSecretKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func VerifySecretKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
