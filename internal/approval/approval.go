package approval

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Scopes a manager approval can be issued for.
const (
	ScopeHighValueRefund = "refund:high_value"
	ScopeDrawerVariance  = "drawer:variance"
)

// Approver issues and verifies short-lived manager-approval tokens. A manager
// proves presence with a PIN; the resulting token is handed to the operation
// that needs the sign-off. Tokens are scoped so a refund approval cannot be
// replayed against a drawer reconciliation.
type Approver struct {
	secret   []byte
	tokenTTL time.Duration
	pinHash  string
}

type approvalClaims struct {
	jwtlib.RegisteredClaims
	Scope string `json:"scope"`
}

func New(secret string, tokenTTL time.Duration, managerPIN string) (*Approver, error) {
	if len(secret) < 32 {
		return nil, errors.New("approval secret must be at least 32 characters")
	}
	if tokenTTL <= 0 {
		tokenTTL = 15 * time.Minute
	}

	managerPIN = strings.TrimSpace(managerPIN)
	if len(managerPIN) < 6 {
		return nil, errors.New("manager PIN must be at least 6 digits")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(managerPIN), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash manager PIN: %w", err)
	}

	return &Approver{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		pinHash:  string(hash),
	}, nil
}

// Issue signs an approval token for the given manager and scope after PIN
// verification.
func (a *Approver) Issue(managerID int64, pin string, scope string) (string, error) {
	if managerID < 1 {
		return "", errors.New("manager id required")
	}
	if !a.VerifyPIN(pin) {
		return "", errors.New("manager PIN rejected")
	}

	now := time.Now().UTC()
	claims := approvalClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   strconv.FormatInt(managerID, 10),
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(a.tokenTTL)),
			Issuer:    "greenledger",
		},
		Scope: scope,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify checks the token signature, expiry and scope, and returns the
// approving manager's id.
func (a *Approver) Verify(tokenStr string, scope string) (int64, error) {
	claims := &approvalClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return 0, errors.New("invalid or expired approval token")
	}
	if claims.Scope != scope {
		return 0, fmt.Errorf("approval token scope %q does not cover %q", claims.Scope, scope)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return 0, errors.New("invalid approval token subject")
	}
	managerID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || managerID < 1 {
		return 0, errors.New("invalid approval token subject")
	}
	return managerID, nil
}

func (a *Approver) VerifyPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.pinHash), []byte(input)) == nil
}
