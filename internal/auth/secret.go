package auth

import "golang.org/x/crypto/bcrypt"

// Bcrypt hashes and compares user passwords and room secrets.
type Bcrypt struct {
	Cost int
}

func (b Bcrypt) Hash(secret string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	return string(hash), err
}

func (b Bcrypt) Match(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
