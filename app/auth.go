package marketchat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/predix/marketchat/pkg/router"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

// WalletClaims is the token the external identity service mints after
// verifying a wallet signature. This service only checks the HMAC and
// extracts the address; it never sees the signature itself.
type WalletClaims struct {
	Wallet string `json:"wallet"`
	jwt.RegisteredClaims
}

func NewWalletToken(wallet string, expiration time.Duration, secret []byte) (string, error) {
	claims := &WalletClaims{
		Wallet: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			Issuer:    "marketchat-identity",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func VerifyWalletToken(token string, secret []byte) (*WalletClaims, error) {
	claims := &WalletClaims{}
	_token, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	switch {
	case _token != nil && _token.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}

type walletKey struct{}

func contextWithWallet(ctx context.Context, wallet string) context.Context {
	return context.WithValue(ctx, walletKey{}, wallet)
}

// WalletFromRequest extracts the authenticated wallet address from the
// request context. It must be called in handlers protected by
// WalletMiddleware; it panics otherwise.
func WalletFromRequest(r *http.Request) string {
	wallet, ok := r.Context().Value(walletKey{}).(string)
	if !ok {
		panic("wallet not found in request context: protect the handler with WalletMiddleware")
	}
	return wallet
}

// tokenFromRequest looks for a bearer token in the Authorization header,
// falling back to the token query parameter, which the browser websocket
// API needs since it cannot set headers.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// WalletMiddleware verifies the wallet token and attaches the wallet
// address to the request context. The sender of a message is always the
// verified claim, never anything the request body asserts.
func WalletMiddleware(secret []byte) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		authErr := router.NewJsonError(http.StatusUnauthorized, "unauthenticated")

		return router.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			token := tokenFromRequest(r)
			if token == "" {
				return authErr
			}

			claims, err := VerifyWalletToken(token, secret)
			if err != nil {
				return authErr
			}
			if claims.Wallet == "" {
				return authErr
			}

			next.ServeHTTP(w, r.WithContext(contextWithWallet(r.Context(), claims.Wallet)))
			return nil
		})
	}
}
