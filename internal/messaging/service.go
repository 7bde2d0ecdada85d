// Package messaging composes the conversation log, the conversation summary and the per-user
// chat lists into the operations UI layers call: send, initiate, mark as read, repair and
// live subscriptions.
package messaging

import (
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dm-service/internal/conversation"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

var (
	ErrEmptyBody = errors.New("message body is empty")
	ErrForbidden = errors.New("role may not perform this operation")
)

// Config carries the support inbox settings.
type Config struct {
	// SupportAlias names the shared support inbox. Defaults to conversation.DefaultSupportAlias.
	SupportAlias string
	// SupportProfile is what students see as the counterpart of the support inbox.
	SupportProfile models.Profile
}

// Service implements the messaging operations on top of the three repositories.
type Service struct {
	messages      repositories.MessageRepository
	conversations repositories.ConversationRepository
	chatLists     repositories.ChatListRepository
	cfg           Config
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// New constructs a Service.
func New(messages repositories.MessageRepository, conversations repositories.ConversationRepository, chatLists repositories.ChatListRepository, cfg Config, logger *slog.Logger) *Service {
	if cfg.SupportAlias == "" {
		cfg.SupportAlias = conversation.DefaultSupportAlias
	}
	if cfg.SupportProfile.Name == "" {
		cfg.SupportProfile.Name = "Support"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		messages:      messages,
		conversations: conversations,
		chatLists:     chatLists,
		cfg:           cfg,
		logger:        logger.With("component", "messaging"),
		tracer:        otel.Tracer("dm-service/messaging"),
		now:           time.Now,
	}
}

// SupportAlias returns the configured alias of the support inbox.
func (s *Service) SupportAlias() string { return s.cfg.SupportAlias }

// ConversationKey resolves the canonical key for two raw participant ids.
func (s *Service) ConversationKey(a, b string) (string, error) {
	pa, err := s.participant(a, "")
	if err != nil {
		return "", err
	}
	pb, err := s.participant(b, "")
	if err != nil {
		return "", err
	}
	return conversation.Key(pa, pb)
}

// participant tags id, rejecting non-support roles that claim the alias.
func (s *Service) participant(id, role string) (conversation.Participant, error) {
	p := conversation.Parse(id, s.cfg.SupportAlias)
	if p.IsAlias() && (role == models.RoleStudent || role == models.RoleBatchAdmin) {
		return conversation.Participant{}, conversation.ErrInvalidIdentity
	}
	if err := p.Validate(s.cfg.SupportAlias); err != nil {
		return conversation.Participant{}, err
	}
	return p, nil
}

// profileOf is how id is shown to the other participant.
func (s *Service) profileOf(id string, fallback models.Profile) models.Profile {
	if id == s.cfg.SupportAlias {
		return s.cfg.SupportProfile
	}
	return fallback
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
