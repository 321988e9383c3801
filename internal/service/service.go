// Package service реализует бизнес-логику проверки и погашения предложений.
package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nasos1212/woofyapp-sub000/internal/model"
	"github.com/nasos1212/woofyapp-sub000/internal/period"
	"github.com/nasos1212/woofyapp-sub000/internal/report"
	"github.com/nasos1212/woofyapp-sub000/internal/repository"
	"github.com/nasos1212/woofyapp-sub000/internal/validation"
)

const (
	// lockoutThreshold — число неудачных попыток подряд до блокировки.
	lockoutThreshold = 5
	// lockoutDuration — длительность блокировки после превышения порога.
	lockoutDuration = 30 * time.Minute
	// lockoutWindow — скользящее окно, внутри которого копятся неудачные попытки.
	lockoutWindow = 30 * time.Minute
)

// ErrMembershipExpired возвращается при попытке подтвердить погашение по истёкшему членству.
var (
	ErrMembershipExpired = errors.New("membership expired or inactive")
	// ErrOfferNotEligible возвращается, если предложение сейчас недоступно этому членству.
	ErrOfferNotEligible = errors.New("offer not eligible")
	// ErrLimitReached возвращается при исчерпании глобального лимита погашений предложения.
	ErrLimitReached = errors.New("offer redemption limit reached")
	// ErrPetRequired возвращается, если для per_pet предложения не выбран питомец.
	ErrPetRequired = errors.New("pet selection required")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	GetBusiness(ctx context.Context, id int64) (*model.Business, error)
	GetMembershipByCode(ctx context.Context, code string) (*model.Membership, error)
	GetMembershipByID(ctx context.Context, id int64) (*model.Membership, error)
	GetOfferByID(ctx context.Context, id int64) (*model.Offer, error)
	GetActiveOffersByBusiness(ctx context.Context, businessID int64) ([]model.Offer, error)
	GetLockout(ctx context.Context, businessID int64, code string) (*model.Lockout, error)
	RecordFailedAttempt(ctx context.Context, businessID int64, code string, threshold int, window, lockout time.Duration) (int, *time.Time, error)
	ClearAttempts(ctx context.Context, businessID int64, code string) error
	CountRedemptionsByOffer(ctx context.Context, offerID int64) (int, error)
	GetOfferRedemptions(ctx context.Context, offerID, membershipID int64, since time.Time) ([]model.Redemption, error)
	CreateRedemption(ctx context.Context, rd *model.Redemption, periodKey string, petKey int64) (*model.Redemption, error)
	GetPendingBirthdayOffers(ctx context.Context, membershipID, businessID int64, now time.Time) ([]model.BirthdayOffer, error)
	RedeemBirthdayOffer(ctx context.Context, grantID uuid.UUID, businessID int64, now time.Time) (*model.Redemption, error)
	GetUnreportedRedemptions(ctx context.Context, limit int) ([]model.Redemption, error)
	MarkRedemptionReported(ctx context.Context, id int64) error
}

// Service содержит бизнес-логику сервиса woofypos.
type Service struct {
	repo         Repository
	reportClient *report.Client
	logger       *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом бэкенда платформы.
func NewService(repo Repository, reportClient *report.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:         repo,
		reportClient: reportClient,
		logger:       logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// GetActiveOffers возвращает активные предложения заведения.
func (s *Service) GetActiveOffers(ctx context.Context, businessID int64) ([]model.Offer, error) {
	return s.repo.GetActiveOffersByBusiness(ctx, businessID)
}

// Verify проверяет карту участника и применимость предложения, ничего не записывая в журнал.
// Последовательность: формат номера → блокировка → каталог участников → правила предложения.
func (s *Service) Verify(ctx context.Context, businessID int64, rawCode string, offerID int64) (*model.VerificationResult, error) {
	now := time.Now()

	code := validation.NormalizeMemberCode(rawCode)
	if !validation.IsValidMemberCode(code) {
		// Некорректный формат отклоняется до обращения к счётчику попыток
		return &model.VerificationResult{Status: model.StatusInvalid}, nil
	}

	lockout, err := s.repo.GetLockout(ctx, businessID, code)
	if err != nil {
		return nil, err
	}
	if lockout != nil && now.Before(lockout.ExpiresAt) {
		expires := lockout.ExpiresAt
		return &model.VerificationResult{
			Status:           model.StatusRateLimited,
			LockoutExpiresAt: &expires,
		}, nil
	}

	membership, err := s.repo.GetMembershipByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrMembershipNotFound) {
			return s.recordFailure(ctx, businessID, code)
		}
		return nil, err
	}

	// Карта существует — счётчик подбора сбрасывается, даже если членство истекло
	if err := s.repo.ClearAttempts(ctx, businessID, code); err != nil {
		s.logger.Warn("clear attempts error", zap.Error(err), zap.Int64("businessID", businessID))
	}

	offer, err := s.repo.GetOfferByID(ctx, offerID)
	if err != nil {
		if errors.Is(err, repository.ErrOfferNotFound) {
			res := &model.VerificationResult{Status: model.StatusInvalid, Membership: membership}
			return res, nil
		}
		return nil, err
	}

	result, err := s.evaluateOffer(ctx, membership, offer, businessID, now)
	if err != nil {
		return nil, err
	}

	pending, err := s.repo.GetPendingBirthdayOffers(ctx, membership.ID, businessID, now)
	if err != nil {
		return nil, err
	}
	result.PendingBirthday = pending

	return result, nil
}

func (s *Service) recordFailure(ctx context.Context, businessID int64, code string) (*model.VerificationResult, error) {
	count, lockedUntil, err := s.repo.RecordFailedAttempt(ctx, businessID, code, lockoutThreshold, lockoutWindow, lockoutDuration)
	if err != nil {
		return nil, err
	}

	remaining := lockoutThreshold - count
	if remaining < 0 {
		remaining = 0
	}

	res := &model.VerificationResult{
		Status:            model.StatusInvalid,
		AttemptsRemaining: &remaining,
	}
	if lockedUntil != nil {
		s.logger.Info("verification lockout set",
			zap.Int64("businessID", businessID),
			zap.Int("failedCount", count),
			zap.Time("lockedUntil", *lockedUntil))
	}
	return res, nil
}

// evaluateOffer применяет правила предложения в порядке от дешёвых проверок к дорогим:
// состояние членства, состояние и расписание предложения, фильтр по виду питомца,
// глобальный лимит и только затем история погашений.
func (s *Service) evaluateOffer(ctx context.Context, m *model.Membership, o *model.Offer, businessID int64, now time.Time) (*model.VerificationResult, error) {
	res := &model.VerificationResult{Membership: m, Offer: o}

	if !m.IsActive || !m.ExpiresAt.After(now) {
		expires := m.ExpiresAt
		res.Status = model.StatusExpired
		res.ExpiresAt = &expires
		return res, nil
	}

	// Чужое, выключенное или вышедшее из окна действия предложение не должно
	// быть выбрано корректным терминалом, поэтому отказ не детализируется.
	if o.BusinessID != businessID || !o.IsActive {
		res.Status = model.StatusInvalid
		return res, nil
	}
	if o.ValidFrom != nil && now.Before(*o.ValidFrom) {
		res.Status = model.StatusInvalid
		return res, nil
	}
	if o.ValidUntil != nil && now.After(*o.ValidUntil) {
		res.Status = model.StatusInvalid
		return res, nil
	}

	if !offerScheduleAllows(o, now) {
		s.logger.Info("offer outside schedule",
			zap.Int64("offerID", o.ID),
			zap.Int64("businessID", businessID))
		res.Status = model.StatusInvalid
		return res, nil
	}

	pets := matchingPets(m.Pets, o.PetType)
	if len(pets) == 0 && (o.PetType != "" || o.Scope == model.ScopePerPet) {
		res.Status = model.StatusInvalid
		return res, nil
	}

	if o.MaxRedemptions != nil {
		total, err := s.repo.CountRedemptionsByOffer(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if total >= *o.MaxRedemptions {
			res.Status = model.StatusLimitReached
			return res, nil
		}
	}

	if o.Frequency == model.FrequencyUnlimited {
		res.Status = model.StatusValid
		if o.Scope == model.ScopePerPet {
			res.AvailablePets = pets
			res.TotalPets = len(pets)
		}
		return res, nil
	}

	since := period.Start(o.Frequency, now)
	history, err := s.repo.GetOfferRedemptions(ctx, o.ID, m.ID, since)
	if err != nil {
		return nil, err
	}

	if o.Scope == model.ScopePerPet {
		redeemed := make(map[int64]bool, len(history))
		for _, rd := range history {
			if rd.PetID != nil {
				redeemed[*rd.PetID] = true
			}
		}

		var available []model.Pet
		for _, p := range pets {
			if !redeemed[p.ID] {
				available = append(available, p)
			}
		}

		res.TotalPets = len(pets)
		res.RedeemedPetsCount = len(pets) - len(available)
		if len(available) == 0 {
			res.Status = model.StatusAlreadyRedeemed
			return res, nil
		}

		res.Status = model.StatusValid
		res.AvailablePets = available
		return res, nil
	}

	if len(history) > 0 {
		res.Status = model.StatusAlreadyRedeemed
		return res, nil
	}

	res.Status = model.StatusValid
	return res, nil
}

func offerScheduleAllows(o *model.Offer, now time.Time) bool {
	if len(o.ValidDays) > 0 {
		ok := false
		for _, d := range o.ValidDays {
			if now.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if o.ValidHoursStart != nil && o.ValidHoursEnd != nil {
		minutes := now.Hour()*60 + now.Minute()
		start, end := *o.ValidHoursStart, *o.ValidHoursEnd
		if start <= end {
			if minutes < start || minutes >= end {
				return false
			}
		} else {
			// Окно через полночь: например 22:00–02:00
			if minutes < start && minutes >= end {
				return false
			}
		}
	}

	return true
}

func matchingPets(pets []model.Pet, petType string) []model.Pet {
	if petType == "" {
		return pets
	}
	var res []model.Pet
	for _, p := range pets {
		if strings.EqualFold(p.Species, petType) {
			res = append(res, p)
		}
	}
	return res
}

// Confirm повторно проверяет применимость и записывает погашение в журнал.
// Повторная проверка обязательна: результат verify мог устареть, пока оператор
// выбирал питомца. Арбитром единственности остаётся условная вставка в журнал.
func (s *Service) Confirm(ctx context.Context, businessID, membershipID, offerID int64, petID *int64) (*model.Redemption, error) {
	now := time.Now()

	membership, err := s.repo.GetMembershipByID(ctx, membershipID)
	if err != nil {
		return nil, err
	}

	offer, err := s.repo.GetOfferByID(ctx, offerID)
	if err != nil {
		return nil, err
	}

	result, err := s.evaluateOffer(ctx, membership, offer, businessID, now)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case model.StatusValid:
	case model.StatusExpired:
		return nil, ErrMembershipExpired
	case model.StatusAlreadyRedeemed:
		return nil, repository.ErrAlreadyRedeemed
	case model.StatusLimitReached:
		return nil, ErrLimitReached
	default:
		return nil, ErrOfferNotEligible
	}

	rd := &model.Redemption{
		OfferID:      &offer.ID,
		MembershipID: membership.ID,
		BusinessID:   businessID,
		MemberName:   membership.OwnerName,
		MemberCode:   membership.Code,
		Discount:     offer.Discount,
	}

	petKey := int64(0)
	if offer.Scope == model.ScopePerPet {
		if petID == nil {
			return nil, ErrPetRequired
		}
		eligible := result.AvailablePets
		var chosen *model.Pet
		for i := range eligible {
			if eligible[i].ID == *petID {
				chosen = &eligible[i]
				break
			}
		}
		if chosen == nil {
			// Питомец либо не подходит предложению, либо уже погасил его в этом периоде
			for _, p := range matchingPets(membership.Pets, offer.PetType) {
				if p.ID == *petID {
					return nil, repository.ErrAlreadyRedeemed
				}
			}
			return nil, ErrOfferNotEligible
		}
		rd.PetID = &chosen.ID
		rd.PetName = chosen.Name
		petKey = chosen.ID
	}

	periodKey := period.Key(offer.Frequency, now)
	if offer.Frequency == model.FrequencyUnlimited {
		periodKey = uuid.NewString()
	}

	return s.repo.CreateRedemption(ctx, rd, periodKey, petKey)
}

// RedeemBirthdayOffer погашает заранее выданный именинный купон.
func (s *Service) RedeemBirthdayOffer(ctx context.Context, businessID int64, grantID uuid.UUID) (*model.Redemption, error) {
	return s.repo.RedeemBirthdayOffer(ctx, grantID, businessID, time.Now())
}

// StartReportUpdates запускает фоновую отправку подтверждённых погашений в бэкенд платформы.
func (s *Service) StartReportUpdates(ctx context.Context) {
	if s.reportClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processReportBatch(ctx)
			}
		}
	}()
}

func (s *Service) processReportBatch(ctx context.Context) {
	redemptions, err := s.repo.GetUnreportedRedemptions(ctx, 100)
	if err != nil {
		return
	}

	for _, rd := range redemptions {
		statusCode, retryAfter, err := s.reportClient.ReportRedemption(ctx, rd)
		if err != nil {
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if statusCode != http.StatusOK && statusCode != http.StatusAccepted {
			continue
		}

		_ = s.repo.MarkRedemptionReported(ctx, rd.ID)
	}
}
