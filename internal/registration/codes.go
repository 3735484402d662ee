package registration

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/store"
)

const (
	CodeLength = 8
	CodeTTL    = 7 * 24 * time.Hour

	// No O/0 or I/1, they are easy to confuse when typed from a screen.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	issueRetries = 5
)

var (
	ErrCodeEmpty         = errors.New("registration code is empty")
	ErrCodeNotFound      = errors.New("registration code not found")
	ErrCodeUsed          = errors.New("registration code already used")
	ErrCodeExpired       = errors.New("registration code expired")
	ErrAlreadyRegistered = errors.New("chat already registered for this tenant")
	ErrOtherTenant       = errors.New("chat registered for another tenant")
)

type Store interface {
	GetTenant(ctx context.Context, id int64) (models.Tenant, error)
	SetUserChatID(ctx context.Context, tc models.TenantContext, userID int64, chatID string) error
	GetDestinationByChat(ctx context.Context, chatID int64) (models.Destination, error)
	CreateCode(ctx context.Context, c models.RegistrationCode) error
	GetCode(ctx context.Context, code string) (models.RegistrationCode, error)
	ConsumeCode(ctx context.Context, code string, d models.Destination, at time.Time) (models.Destination, error)
}

type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(st Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger.Named("registration"), now: time.Now}
}

func generateCode() (string, error) {
	var sb strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeCode trims and uppercases a code as typed by a user.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Issue creates a new single-use code for the tenant, optionally tied to a
// pending user whose chat id is filled in on registration.
func (s *Service) Issue(ctx context.Context, tenant models.Tenant, userID int64) (models.RegistrationCode, error) {
	for attempt := 0; attempt < issueRetries; attempt++ {
		code, err := generateCode()
		if err != nil {
			return models.RegistrationCode{}, fmt.Errorf("generate code: %w", err)
		}
		now := s.now()
		rc := models.RegistrationCode{
			Code:      code,
			TenantID:  tenant.ID,
			UserID:    userID,
			CreatedAt: now,
			ExpiresAt: now.Add(CodeTTL),
		}
		err = s.store.CreateCode(ctx, rc)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return models.RegistrationCode{}, err
		}
		s.logger.Info("registration code issued", zap.String("tenant", tenant.Slug), zap.Int64("user_id", userID))
		return rc, nil
	}
	return models.RegistrationCode{}, fmt.Errorf("could not allocate a unique code after %d attempts", issueRetries)
}

// Register binds the chat that sent msg to the code's tenant. Checks run
// in a fixed order so users always get the most specific reason.
func (s *Service) Register(ctx context.Context, msg models.InboundMessage, rawCode string) (models.Destination, models.Tenant, error) {
	code := NormalizeCode(rawCode)
	if code == "" {
		return models.Destination{}, models.Tenant{}, ErrCodeEmpty
	}

	rc, err := s.store.GetCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return models.Destination{}, models.Tenant{}, ErrCodeNotFound
	}
	if err != nil {
		return models.Destination{}, models.Tenant{}, err
	}
	if rc.Used() {
		return models.Destination{}, models.Tenant{}, ErrCodeUsed
	}
	now := s.now()
	if rc.Expired(now) {
		return models.Destination{}, models.Tenant{}, ErrCodeExpired
	}

	tenant, err := s.store.GetTenant(ctx, rc.TenantID)
	if err != nil {
		return models.Destination{}, models.Tenant{}, fmt.Errorf("load tenant %d: %w", rc.TenantID, err)
	}
	if err := s.checkChatFree(ctx, msg.ChatID, tenant.ID); err != nil {
		return models.Destination{}, tenant, err
	}

	dest, err := s.store.ConsumeCode(ctx, code, models.Destination{
		TenantID:      tenant.ID,
		BotID:         msg.BotID,
		ChatID:        msg.ChatID,
		Kind:          msg.ChatKind,
		Title:         chatTitle(msg),
		Username:      msg.Username,
		Active:        true,
		ContentAlerts: true,
		SystemAlerts:  false,
		CreatedAt:     now,
	}, now)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Another chat consumed the code between the lookup and now.
		return models.Destination{}, tenant, ErrCodeUsed
	case errors.Is(err, store.ErrDuplicate):
		if cerr := s.checkChatFree(ctx, msg.ChatID, tenant.ID); cerr != nil {
			return models.Destination{}, tenant, cerr
		}
		return models.Destination{}, tenant, ErrAlreadyRegistered
	case err != nil:
		return models.Destination{}, tenant, err
	}

	if rc.UserID != 0 {
		chatID := strconv.FormatInt(msg.ChatID, 10)
		if err := s.store.SetUserChatID(ctx, tenant.Context(), rc.UserID, chatID); err != nil {
			s.logger.Warn("failed to link chat to user", zap.Int64("user_id", rc.UserID), zap.Error(err))
		}
	}

	s.logger.Info("chat registered",
		zap.String("tenant", tenant.Slug),
		zap.Int64("chat_id", msg.ChatID),
		zap.String("kind", string(msg.ChatKind)),
		zap.Int64("destination_id", dest.ID))
	return dest, tenant, nil
}

func (s *Service) checkChatFree(ctx context.Context, chatID, tenantID int64) error {
	existing, err := s.store.GetDestinationByChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up chat %d: %w", chatID, err)
	}
	if existing.TenantID == tenantID {
		return ErrAlreadyRegistered
	}
	return ErrOtherTenant
}

func chatTitle(msg models.InboundMessage) string {
	switch {
	case msg.Title != "":
		return msg.Title
	case msg.Username != "":
		return "@" + msg.Username
	default:
		return msg.FirstName
	}
}
