package testutil

import (
	"time"

	"github.com/AfshinJalili/contentex/libs/apikey"
	"github.com/AfshinJalili/contentex/libs/auth"
	"github.com/golang-jwt/jwt/v5"
)

// Wallets used across service tests and the seed command.
const (
	CreatorWallet = "0x00000000000000000000000000000000000000c1"
	BuyerWallet   = "0x00000000000000000000000000000000000000b1"
	RivalWallet   = "0x00000000000000000000000000000000000000b2"
	DirectWallet  = "0x00000000000000000000000000000000000000d1"
	GrandWallet   = "0x00000000000000000000000000000000000000e1"
)

// GenerateJWT signs a buyer token whose subject is wallet.
func GenerateJWT(wallet string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		Roles:  []string{"buyer"},
		Scopes: []string{"purchase"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "contentex",
			Subject:   wallet,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func GenerateAPIKey(env string) (string, string, string, error) {
	return apikey.Generate(env)
}
