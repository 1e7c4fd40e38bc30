package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"fraud_engine/internal/domain"
	"log/slog"
)

var ErrInvalidSignature = errors.New("invalid signature")

type Signer struct {
	secretKey []byte
	logger    *slog.Logger
}

func NewSigner(secretKey string, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		secretKey: []byte(secretKey),
		logger:    logger,
	}
}

func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(data []byte, signature string) error {
	expectedSignature := s.Sign(data)

	if !hmac.Equal([]byte(expectedSignature), []byte(signature)) {
		s.logger.Warn("Signature verification failed", slog.Int("received_length", len(signature)))
		return ErrInvalidSignature
	}

	return nil
}

// SignEvent signs the canonical JSON form of the event with its signature
// field cleared and stores the result on the event.
func (s *Signer) SignEvent(event *domain.OutboxEvent) error {
	payload, err := eventPayload(event)
	if err != nil {
		return err
	}
	event.Signature = s.Sign(payload)
	return nil
}

func (s *Signer) VerifyEvent(event *domain.OutboxEvent) error {
	payload, err := eventPayload(event)
	if err != nil {
		return err
	}
	return s.Verify(payload, event.Signature)
}

func eventPayload(event *domain.OutboxEvent) ([]byte, error) {
	unsigned := *event
	unsigned.Signature = ""

	payload, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
	}
	return payload, nil
}
