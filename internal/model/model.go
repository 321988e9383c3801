// Package model содержит доменные сущности сервиса woofypos.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Business представляет партнёрское заведение, терминал которого проверяет карты.
type Business struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Membership представляет членство владельца питомцев в программе лояльности.
type Membership struct {
	ID        int64
	Code      string
	OwnerName string
	IsActive  bool
	ExpiresAt time.Time
	MaxPets   int
	Pets      []Pet
}

// Pet описывает питомца, привязанного к членству.
type Pet struct {
	ID           int64
	MembershipID int64
	Name         string
	Species      string
}

// OfferScope определяет, к кому привязан лимит погашений предложения.
type OfferScope string

const (
	ScopePerMember OfferScope = "per_member"
	ScopePerPet    OfferScope = "per_pet"
)

// OfferFrequency определяет, как часто предложение может быть погашено повторно.
type OfferFrequency string

const (
	FrequencyOneTime   OfferFrequency = "one_time"
	FrequencyDaily     OfferFrequency = "daily"
	FrequencyWeekly    OfferFrequency = "weekly"
	FrequencyMonthly   OfferFrequency = "monthly"
	FrequencyUnlimited OfferFrequency = "unlimited"
)

// Offer описывает предложение каталога партнёрского заведения.
type Offer struct {
	ID              int64
	BusinessID      int64
	Title           string
	Discount        string
	Scope           OfferScope
	Frequency       OfferFrequency
	ValidFrom       *time.Time
	ValidUntil      *time.Time
	LimitedTime     bool
	LimitedLabel    string
	ValidDays       []time.Weekday
	ValidHoursStart *int
	ValidHoursEnd   *int
	PetType         string
	MaxRedemptions  *int
	IsActive        bool
}

// Redemption — неизменяемый факт погашения предложения.
// Имена участника и питомца денормализованы на момент записи,
// чтобы строка оставалась осмысленной после изменения исходных сущностей.
type Redemption struct {
	ID           int64
	OfferID      *int64
	GrantID      *uuid.UUID
	MembershipID int64
	BusinessID   int64
	PetID        *int64
	MemberName   string
	MemberCode   string
	PetName      string
	Discount     string
	RedeemedAt   time.Time
}

// Lockout описывает активную блокировку попыток проверки для пары (заведение, идентификатор).
type Lockout struct {
	FailedCount int
	ExpiresAt   time.Time
}

// BirthdayOffer — заранее выданный именинный купон для конкретного питомца.
// BusinessID == nil означает, что купон можно погасить в любом заведении.
type BirthdayOffer struct {
	ID            uuid.UUID
	MembershipID  int64
	PetID         int64
	PetName       string
	BusinessID    *int64
	DiscountValue int
	DiscountType  string
	Message       string
	SentAt        time.Time
	ExpiresAt     time.Time
	RedeemedAt    *time.Time
}

// VerificationStatus — итог проверки членства и предложения.
type VerificationStatus string

const (
	StatusValid           VerificationStatus = "valid"
	StatusExpired         VerificationStatus = "expired"
	StatusInvalid         VerificationStatus = "invalid"
	StatusAlreadyRedeemed VerificationStatus = "already_redeemed"
	StatusLimitReached    VerificationStatus = "limit_reached"
	StatusRateLimited     VerificationStatus = "rate_limited"
)

// VerificationResult — полный результат фазы verify для отображения оператору.
type VerificationResult struct {
	Status            VerificationStatus
	Membership        *Membership
	Offer             *Offer
	ExpiresAt         *time.Time
	AvailablePets     []Pet
	TotalPets         int
	RedeemedPetsCount int
	AttemptsRemaining *int
	LockoutExpiresAt  *time.Time
	PendingBirthday   []BirthdayOffer
}
