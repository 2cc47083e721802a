package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"funnel-service/internal/models"
	"funnel-service/internal/util"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// DeliveryStore is what delivery reads and writes
type DeliveryStore interface {
	GetPurchaseByID(ctx context.Context, id int64) (*models.Purchase, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	CreateDownloadGrant(ctx context.Context, grant *models.DownloadGrant) (*models.DownloadGrant, error)
	GetDownloadGrantByPurchase(ctx context.Context, purchaseID int64) (*models.DownloadGrant, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// DeliveryService licenses purchased assets and signs download links
type DeliveryService struct {
	store    DeliveryStore
	secret   []byte
	tokenTTL time.Duration
	baseURL  string
	logger   *zap.Logger
	now      func() time.Time
}

// NewDeliveryService creates a new delivery service
func NewDeliveryService(store DeliveryStore, secret string, tokenTTL time.Duration, baseURL string) *DeliveryService {
	if tokenTTL <= 0 {
		tokenTTL = 15 * time.Minute
	}
	return &DeliveryService{
		store:    store,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		baseURL:  baseURL,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// DownloadTicket is a signed, short-lived download link
type DownloadTicket struct {
	Token      string    `json:"token"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
	LicenseKey string    `json:"license_key"`
}

// ResolvedDownload is the asset a valid token unlocks
type ResolvedDownload struct {
	PurchaseID  int64  `json:"purchase_id"`
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	DownloadURL string `json:"download_url"`
}

type downloadClaims struct {
	PurchaseID int64 `json:"purchase_id"`
	ProductID  int64 `json:"product_id"`
	jwt.RegisteredClaims
}

// HandlePurchaseRecorded grants a license for a newly recorded purchase
func (s *DeliveryService) HandlePurchaseRecorded(ctx context.Context, event *models.PurchaseRecordedEvent) error {
	ctx, span := util.StartSpan(ctx, "DeliveryService.HandlePurchaseRecorded")
	defer span.End()

	processed, err := s.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		s.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	grant, err := s.grantFor(ctx, event.PurchaseID, event.UserID, event.ProductID)
	if err != nil {
		return err
	}

	if err := s.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		s.logger.Error("Failed to mark event processed", zap.Error(err))
	}

	s.logger.Info("Download granted",
		zap.Int64("purchase_id", grant.PurchaseID),
		zap.Int64("grant_id", grant.ID))
	return nil
}

// IssueDownloadToken signs a download link for an owned purchase, creating
// the license grant if the delivery worker has not yet done so
func (s *DeliveryService) IssueDownloadToken(ctx context.Context, userID string, purchaseID int64) (*DownloadTicket, error) {
	ctx, span := util.StartSpan(ctx, "DeliveryService.IssueDownloadToken")
	defer span.End()

	purchase, err := s.store.GetPurchaseByID(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase: %w", err)
	}
	if purchase == nil {
		return nil, notFound("purchase %d", purchaseID)
	}
	if purchase.UserID != userID {
		return nil, accessDenied("purchase %d belongs to another user", purchaseID)
	}

	grant, err := s.grantFor(ctx, purchase.ID, purchase.UserID, purchase.ProductID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	claims := downloadClaims{
		PurchaseID: purchase.ID,
		ProductID:  purchase.ProductID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    util.ServiceName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign download token: %w", err)
	}

	return &DownloadTicket{
		Token:      signed,
		URL:        s.baseURL + "/" + signed,
		ExpiresAt:  expiresAt,
		LicenseKey: grant.LicenseKey,
	}, nil
}

// ResolveDownload verifies a download token and returns the asset location
func (s *DeliveryService) ResolveDownload(ctx context.Context, token string) (*ResolvedDownload, error) {
	ctx, span := util.StartSpan(ctx, "DeliveryService.ResolveDownload")
	defer span.End()

	var claims downloadClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(util.ServiceName),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, accessDenied("download link expired")
		}
		return nil, accessDenied("invalid download token")
	}

	grant, err := s.store.GetDownloadGrantByPurchase(ctx, claims.PurchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load download grant: %w", err)
	}
	if grant == nil || grant.UserID != claims.Subject || grant.ProductID != claims.ProductID {
		return nil, accessDenied("no license for purchase %s", strconv.FormatInt(claims.PurchaseID, 10))
	}

	product, err := s.store.GetProductByID(ctx, grant.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if product == nil {
		return nil, notFound("product %d", grant.ProductID)
	}
	if product.DownloadURL == "" {
		return nil, notFound("product %d has no downloadable asset", product.ID)
	}

	return &ResolvedDownload{
		PurchaseID:  grant.PurchaseID,
		ProductID:   product.ID,
		ProductName: product.Name,
		DownloadURL: product.DownloadURL,
	}, nil
}

func (s *DeliveryService) grantFor(ctx context.Context, purchaseID int64, userID string, productID int64) (*models.DownloadGrant, error) {
	existing, err := s.store.GetDownloadGrantByPurchase(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load download grant: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	key, err := newLicenseKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate license key: %w", err)
	}

	grant, err := s.store.CreateDownloadGrant(ctx, &models.DownloadGrant{
		PurchaseID: purchaseID,
		UserID:     userID,
		ProductID:  productID,
		LicenseKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create download grant: %w", err)
	}
	util.DownloadGrantsTotal.Inc()
	return grant, nil
}

func newLicenseKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
