// Package handler содержит HTTP-обработчики API сервиса woofypos.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nasos1212/woofyapp-sub000/internal/middleware"
	"github.com/nasos1212/woofyapp-sub000/internal/model"
	"github.com/nasos1212/woofyapp-sub000/internal/repository"
	"github.com/nasos1212/woofyapp-sub000/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	GetActiveOffers(ctx context.Context, businessID int64) ([]model.Offer, error)
	Verify(ctx context.Context, businessID int64, rawCode string, offerID int64) (*model.VerificationResult, error)
	Confirm(ctx context.Context, businessID, membershipID, offerID int64, petID *int64) (*model.Redemption, error)
	RedeemBirthdayOffer(ctx context.Context, businessID int64, grantID uuid.UUID) (*model.Redemption, error)
}

// Handler реализует HTTP-обработчики API сервиса woofypos.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type verifyRequest struct {
	MemberID string `json:"memberId"`
	OfferID  int64  `json:"offerId"`
}

type petResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type birthdayOfferResponse struct {
	ID            string `json:"id"`
	PetName       string `json:"petName"`
	DiscountValue int    `json:"discountValue"`
	DiscountType  string `json:"discountType"`
	Message       string `json:"message,omitempty"`
	BusinessID    *int64 `json:"businessId,omitempty"`
	SentAt        string `json:"sentAt"`
}

type verifyResponse struct {
	Status                string                  `json:"status"`
	MemberName            string                  `json:"memberName,omitempty"`
	MemberID              string                  `json:"memberId,omitempty"`
	MembershipID          *int64                  `json:"membershipId,omitempty"`
	ExpiryDate            string                  `json:"expiryDate,omitempty"`
	Discount              string                  `json:"discount,omitempty"`
	OfferID               *int64                  `json:"offerId,omitempty"`
	OfferTitle            string                  `json:"offerTitle,omitempty"`
	OfferType             string                  `json:"offerType,omitempty"`
	AvailablePets         []petResponse           `json:"availablePets,omitempty"`
	TotalPets             int                     `json:"totalPets,omitempty"`
	RedeemedPetsCount     int                     `json:"redeemedPetsCount,omitempty"`
	AttemptsRemaining     *int                    `json:"attemptsRemaining,omitempty"`
	LockoutExpiresAt      string                  `json:"lockoutExpiresAt,omitempty"`
	RemainingMinutes      int                     `json:"remainingMinutes,omitempty"`
	PendingBirthdayOffers []birthdayOfferResponse `json:"pendingBirthdayOffers,omitempty"`
}

// Verify проверяет карту участника и применимость предложения без записи в журнал.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.MemberID == "" || req.OfferID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.Verify(r.Context(), businessID, req.MemberID, req.OfferID)
	if err != nil {
		h.logger.Error("verify error", zap.Error(err), zap.Int64("businessID", businessID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, buildVerifyResponse(result))
}

func buildVerifyResponse(result *model.VerificationResult) verifyResponse {
	resp := verifyResponse{
		Status:            string(result.Status),
		AttemptsRemaining: result.AttemptsRemaining,
	}

	if result.LockoutExpiresAt != nil {
		resp.LockoutExpiresAt = result.LockoutExpiresAt.Format(time.RFC3339)
		minutes := int(math.Ceil(time.Until(*result.LockoutExpiresAt).Minutes()))
		if minutes < 1 {
			minutes = 1
		}
		resp.RemainingMinutes = minutes
	}

	if m := result.Membership; m != nil {
		resp.MemberName = m.OwnerName
		resp.MemberID = m.Code
		id := m.ID
		resp.MembershipID = &id
		resp.ExpiryDate = m.ExpiresAt.Format("2006-01-02")
	}

	if o := result.Offer; o != nil && result.Status == model.StatusValid {
		id := o.ID
		resp.OfferID = &id
		resp.OfferTitle = o.Title
		resp.Discount = o.Discount
		resp.OfferType = string(o.Scope)
	}

	if result.Status == model.StatusValid || result.Status == model.StatusAlreadyRedeemed {
		resp.TotalPets = result.TotalPets
		resp.RedeemedPetsCount = result.RedeemedPetsCount
		for _, p := range result.AvailablePets {
			resp.AvailablePets = append(resp.AvailablePets, petResponse{ID: p.ID, Name: p.Name})
		}
	}

	for _, b := range result.PendingBirthday {
		resp.PendingBirthdayOffers = append(resp.PendingBirthdayOffers, birthdayOfferResponse{
			ID:            b.ID.String(),
			PetName:       b.PetName,
			DiscountValue: b.DiscountValue,
			DiscountType:  b.DiscountType,
			Message:       b.Message,
			BusinessID:    b.BusinessID,
			SentAt:        b.SentAt.Format(time.RFC3339),
		})
	}

	return resp
}

type confirmRequest struct {
	MembershipID int64  `json:"membershipId"`
	OfferID      int64  `json:"offerId"`
	PetID        *int64 `json:"petId,omitempty"`
}

type redemptionResponse struct {
	Discount   string `json:"discount"`
	PetName    string `json:"petName,omitempty"`
	MemberName string `json:"memberName"`
}

type confirmResponse struct {
	Redemption redemptionResponse `json:"redemption"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Confirm подтверждает погашение предложения после повторной проверки применимости.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.MembershipID == 0 || req.OfferID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rd, err := h.service.Confirm(r.Context(), businessID, req.MembershipID, req.OfferID, req.PetID)
	if err != nil {
		h.writeConfirmError(w, err, businessID, req.OfferID)
		return
	}

	writeJSON(w, confirmResponse{
		Redemption: redemptionResponse{
			Discount:   rd.Discount,
			PetName:    rd.PetName,
			MemberName: rd.MemberName,
		},
	})
}

func (h *Handler) writeConfirmError(w http.ResponseWriter, err error, businessID, offerID int64) {
	switch {
	case errors.Is(err, repository.ErrAlreadyRedeemed):
		writeError(w, http.StatusConflict, "offer already redeemed", "ALREADY_REDEEMED")
	case errors.Is(err, service.ErrMembershipExpired):
		writeError(w, http.StatusUnprocessableEntity, "membership expired or inactive", "EXPIRED")
	case errors.Is(err, service.ErrLimitReached):
		writeError(w, http.StatusUnprocessableEntity, "offer redemption limit reached", "LIMIT_REACHED")
	case errors.Is(err, service.ErrPetRequired):
		writeError(w, http.StatusBadRequest, "pet selection required", "PET_REQUIRED")
	case errors.Is(err, service.ErrOfferNotEligible):
		writeError(w, http.StatusUnprocessableEntity, "offer not eligible", "NOT_ELIGIBLE")
	case errors.Is(err, repository.ErrMembershipNotFound), errors.Is(err, repository.ErrOfferNotFound):
		writeError(w, http.StatusNotFound, "not found", "NOT_FOUND")
	default:
		h.logger.Error("confirm error", zap.Error(err),
			zap.Int64("businessID", businessID), zap.Int64("offerID", offerID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type birthdayRedeemRequest struct {
	GrantID string `json:"grantId"`
}

// RedeemBirthday погашает заранее выданный именинный купон.
func (h *Handler) RedeemBirthday(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req birthdayRedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	grantID, err := uuid.Parse(req.GrantID)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rd, err := h.service.RedeemBirthdayOffer(r.Context(), businessID, grantID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrGrantRedeemed):
			writeError(w, http.StatusConflict, "birthday offer already redeemed", "ALREADY_REDEEMED")
		case errors.Is(err, repository.ErrGrantExpired):
			writeError(w, http.StatusUnprocessableEntity, "birthday offer expired", "EXPIRED")
		case errors.Is(err, repository.ErrGrantWrongBusiness):
			writeError(w, http.StatusForbidden, "birthday offer belongs to another business", "WRONG_BUSINESS")
		case errors.Is(err, repository.ErrGrantNotFound):
			writeError(w, http.StatusNotFound, "birthday offer not found", "NOT_FOUND")
		default:
			h.logger.Error("redeem birthday error", zap.Error(err), zap.Int64("businessID", businessID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, confirmResponse{
		Redemption: redemptionResponse{
			Discount:   rd.Discount,
			PetName:    rd.PetName,
			MemberName: rd.MemberName,
		},
	})
}

type offerResponse struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Discount     string `json:"discount"`
	OfferType    string `json:"offerType"`
	Frequency    string `json:"frequency"`
	LimitedTime  bool   `json:"limitedTime,omitempty"`
	LimitedLabel string `json:"limitedLabel,omitempty"`
}

// GetOffers возвращает активные предложения заведения для списка выбора на терминале.
func (h *Handler) GetOffers(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	offers, err := h.service.GetActiveOffers(r.Context(), businessID)
	if err != nil {
		h.logger.Error("get offers error", zap.Error(err), zap.Int64("businessID", businessID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(offers) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]offerResponse, 0, len(offers))
	for _, o := range offers {
		resp = append(resp, offerResponse{
			ID:           o.ID,
			Title:        o.Title,
			Discount:     o.Discount,
			OfferType:    string(o.Scope),
			Frequency:    string(o.Frequency),
			LimitedTime:  o.LimitedTime,
			LimitedLabel: o.LimitedLabel,
		})
	}

	writeJSON(w, resp)
}

// Ping проверяет доступность сервиса и его хранилища.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("ping error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg, Code: code})
}
