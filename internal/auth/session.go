package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
)

// Session — bearer-сессия покупателя. Передаётся в оркестратор явно,
// вместо чтения токена из глобального состояния.
type Session struct {
	Token  string
	UserID string
	Email  string
}

// Valid сообщает, что у сессии есть и токен, и идентификатор пользователя.
func (s Session) Valid() bool {
	return s.Token != "" && s.UserID != ""
}

// Parser разбирает JWT, выданный бэкендом магазина.
// Без секрета подпись не проверяется: токен проверяет сам бэкенд, сервис его только потребляет.
type Parser struct {
	secret []byte
}

// NewParser создаёт парсер; secret может быть пустым.
func NewParser(secret string) *Parser {
	return &Parser{secret: []byte(secret)}
}

// FromAuthorizationHeader извлекает сессию из заголовка "Bearer <token>".
func (p *Parser) FromAuthorizationHeader(header string) (Session, error) {
	header = strings.TrimSpace(header)
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return Session{}, domain.ErrUnauthenticated
	}
	return p.FromToken(strings.TrimSpace(token))
}

// FromToken строит сессию по токену. Идентификатор пользователя берётся
// из claims в порядке id → email → sub.
func (p *Parser) FromToken(token string) (Session, error) {
	if token == "" {
		return Session{}, domain.ErrUnauthenticated
	}

	claims := jwt.MapClaims{}
	if len(p.secret) > 0 {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return p.secret, nil
		})
		if err != nil {
			return Session{}, errors.Join(domain.ErrUnauthenticated, err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return Session{}, errors.Join(domain.ErrUnauthenticated, err)
		}
	}

	email := claimString(claims["email"])
	userID := claimString(claims["id"])
	if userID == "" {
		userID = email
	}
	if userID == "" {
		userID = claimString(claims["sub"])
	}
	if userID == "" {
		return Session{}, fmt.Errorf("%w: token has no user id", domain.ErrUnauthenticated)
	}

	return Session{Token: token, UserID: userID, Email: email}, nil
}

func claimString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}
