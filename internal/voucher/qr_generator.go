package voucher

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"milabs-booking/internal/apperr"
	"milabs-booking/internal/models"

	"github.com/skip2/go-qrcode"
)

const (
	PayloadPrefix = "MILABS-ORD-"
	imageSize     = 256
	dataURIPrefix = "data:image/png;base64,"
)

type Voucher struct {
	Payload   string
	Image     string // data:image/png;base64,...
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// encodeFunc is swapped in tests to simulate encoder failures.
type encodeFunc func(content string, level qrcode.RecoveryLevel, size int) ([]byte, error)

type QRGenerator struct {
	encode encodeFunc
}

func NewQRGenerator() *QRGenerator {
	return &QRGenerator{encode: qrcode.Encode}
}

// Generate issues a voucher for orderID at issuedAt. The payload embeds the issue
// instant in milliseconds, so a re-issued voucher never matches an older scan.
func (q *QRGenerator) Generate(orderID string, issuedAt time.Time) (*Voucher, error) {
	if orderID == "" {
		return nil, apperr.Encoding(fmt.Errorf("empty order id"))
	}

	payload := BuildPayload(orderID, issuedAt)

	png, err := q.encode(payload, qrcode.Medium, imageSize)
	if err != nil {
		return nil, apperr.Encoding(fmt.Errorf("failed to encode voucher for order %s: %w", orderID, err))
	}

	return &Voucher{
		Payload:   payload,
		Image:     dataURIPrefix + base64.StdEncoding.EncodeToString(png),
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(models.VoucherValidity),
	}, nil
}

// PNG decodes the image back to raw bytes for email embedding.
func (v *Voucher) PNG() ([]byte, error) {
	return DecodeImage(v.Image)
}

func DecodeImage(dataURI string) ([]byte, error) {
	if !strings.HasPrefix(dataURI, dataURIPrefix) {
		return nil, apperr.Encoding(fmt.Errorf("voucher image is not a PNG data URI"))
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURI, dataURIPrefix))
	if err != nil {
		return nil, apperr.Encoding(fmt.Errorf("decode voucher image: %w", err))
	}
	return raw, nil
}

func BuildPayload(orderID string, issuedAt time.Time) string {
	return fmt.Sprintf("%s%s-%d", PayloadPrefix, orderID, issuedAt.UnixMilli())
}

// ParsePayload splits MILABS-ORD-<orderId>-<millis>. Order ids are UUIDs and contain
// dashes, so the timestamp is whatever follows the last dash.
func ParsePayload(payload string) (orderID string, issuedAt time.Time, err error) {
	if !strings.HasPrefix(payload, PayloadPrefix) {
		return "", time.Time{}, apperr.Validation("voucher payload is not a MiLabs voucher")
	}
	rest := strings.TrimPrefix(payload, PayloadPrefix)

	idx := strings.LastIndex(rest, "-")
	if idx <= 0 || idx == len(rest)-1 {
		return "", time.Time{}, apperr.Validation("voucher payload is malformed")
	}

	millis, err := strconv.ParseInt(rest[idx+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, apperr.Validation("voucher payload timestamp is malformed")
	}

	return rest[:idx], time.UnixMilli(millis).UTC(), nil
}
