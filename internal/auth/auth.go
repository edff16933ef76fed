package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/winvest/trading-core/internal/events"
	"github.com/winvest/trading-core/internal/outbox"
	"github.com/winvest/trading-core/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Account is a registered user of the platform. The wallet engine
// provisions the cash balance asynchronously off the user.created event.
type Account struct {
	gorm.Model `json:"-"`
	Email      string `gorm:"uniqueIndex" json:"email"`
	APIKey     string `gorm:"uniqueIndex" json:"api_key"`
	APISecret  string `json:"-"`
}

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Email     string `json:"email" binding:"required"`
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

// Service handles authentication and account registration.
type Service struct {
	jwtSecret []byte
	db        *gorm.DB
	outbox    *outbox.Writer
}

func NewService(jwtSecret string, db *gorm.DB, writer *outbox.Writer) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		db:        db,
		outbox:    writer,
	}
}

// Register creates an account and captures the user.created event in the
// same transaction, so the wallet engine always hears about committed
// accounts and never about rolled-back ones.
func (s *Service) Register(req RegisterRequest) (*Account, error) {
	tx := s.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	account := &Account{
		Email:     req.Email,
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
	}
	if err := tx.Create(account).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	created := events.UserCreatedEvent{
		UserID:    int64(account.ID),
		Email:     account.Email,
		CreatedAt: time.Now(),
	}
	if err := s.outbox.Capture(tx, "user", account.Email, events.UserExchange, events.UserCreated, created); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return account, nil
}

// GenerateToken generates a JWT for valid credentials with 24-hour
// expiration.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	var account Account
	err := s.db.Where("api_key = ?", creds.APIKey).First(&account).Error
	if err != nil || account.APISecret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	expiration := time.Now().Add(24 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		UserID: int64(account.ID),
		Email:  account.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RegisterHandler handles POST requests to create accounts.
func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		account, err := h.service.Register(req)
		response.Handle(c, account, err)
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if err == ErrInvalidCredentials {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetUserID extracts the user ID from JWT claims stored on the gin context.
// Returns zero if the claim is missing or malformed.
func GetUserID(claims interface{}) int64 {
	if jwtClaims, ok := claims.(jwt.MapClaims); ok {
		if userID, ok := jwtClaims["user_id"].(float64); ok {
			return int64(userID)
		}
	}
	return 0
}
