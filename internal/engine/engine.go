// Package engine coordinates the card lifecycle: generation behind the
// privilege gate and the redemption state machine, including the hidden
// escalation path for the sentinel code.
package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/cardvault/cardvault/internal/access"
	"github.com/cardvault/cardvault/internal/codegen"
	"github.com/cardvault/cardvault/internal/models"
	"github.com/cardvault/cardvault/internal/ratelimit"
	"github.com/cardvault/cardvault/internal/security"
	"github.com/cardvault/cardvault/internal/store"
	"github.com/cardvault/cardvault/internal/util"
)

// Caller-facing error kinds. Every operation returns a payload or
// exactly one of these; nothing else crosses the component boundary.
var (
	// ErrUnauthorized indicates the privilege check failed.
	ErrUnauthorized = errors.New("engine: unauthorized")
	// ErrInvalidAmount indicates the amount is outside the configured bounds.
	ErrInvalidAmount = errors.New("engine: invalid amount")
	// ErrInvalidExpiry indicates a non-positive or out-of-range expiry.
	ErrInvalidExpiry = errors.New("engine: invalid expiry")
	// ErrRateLimited indicates the attempt window is exhausted.
	ErrRateLimited = errors.New("engine: rate limited")
	// ErrInvalidCode indicates no card matches the submitted code.
	ErrInvalidCode = errors.New("engine: invalid code")
	// ErrAlreadyRedeemed indicates the card was redeemed earlier.
	ErrAlreadyRedeemed = errors.New("engine: already redeemed")
	// ErrExpired indicates the card expired before redemption.
	ErrExpired = errors.New("engine: card expired")
	// ErrStorageFailure indicates persistence failed; in-memory state
	// was rolled back to the last known-good snapshot.
	ErrStorageFailure = errors.New("engine: storage failure")
)

// maxCodeRetries bounds the regeneration loop on duplicate codes.
const maxCodeRetries = 5

// RedeemStatus identifies the successful redeem outcome variant.
type RedeemStatus string

const (
	// StatusRedeemed means a card was redeemed and the wallet credited.
	StatusRedeemed RedeemStatus = "redeemed"
	// StatusUnlockProgress means the sentinel code advanced the
	// escalation counter without reaching the threshold.
	StatusUnlockProgress RedeemStatus = "unlock_progress"
	// StatusUnlocked means the escalation threshold was reached and
	// admin privilege granted.
	StatusUnlocked RedeemStatus = "unlocked"
)

// RedeemOutcome is the success payload of Redeem.
type RedeemOutcome struct {
	Status   RedeemStatus
	Amount   float64 // Set when Status is StatusRedeemed.
	Progress int     // Set when Status is StatusUnlockProgress.
}

// Config carries the engine's policy knobs.
type Config struct {
	AmountMin     float64
	AmountMax     float64
	ExpiryMaxDays int

	RateWindow  time.Duration
	MaxGenerate int
	MaxRedeem   int

	// SentinelCode triggers the escalation path instead of a card
	// lookup. Stored normalized.
	SentinelCode string
	// ResetEscalationOnRedeem clears escalation progress whenever a
	// non-sentinel code is submitted. Off by default.
	ResetEscalationOnRedeem bool

	// AdminPasswordHash is the bcrypt hash checked by Login.
	AdminPasswordHash string
	// GenerateAuthKey, when set, authorizes generation without an
	// admin session.
	GenerateAuthKey string
}

// Engine wires the lifecycle components together. All state lives in
// the store, the limiter, and the access controller; the engine itself
// is stateless and safe for concurrent use.
type Engine struct {
	cfg     Config
	cards   *store.CardStore
	limiter *ratelimit.Limiter
	access  *access.Controller
	newCode func() (string, error)
	now     func() time.Time
}

// New constructs an engine. The sentinel code is normalized once here so
// comparisons in Redeem are exact.
func New(cfg Config, cards *store.CardStore, limiter *ratelimit.Limiter, ctrl *access.Controller) *Engine {
	cfg.SentinelCode = codegen.Normalize(cfg.SentinelCode)
	return &Engine{
		cfg:     cfg,
		cards:   cards,
		limiter: limiter,
		access:  ctrl,
		newCode: codegen.Generate,
		now:     time.Now,
	}
}

// GenerateParams carries the inputs of a generation request.
type GenerateParams struct {
	Amount     float64
	ExpiryDays *int
	Identity   string
	AuthKey    string
}

// Generate issues a new card: privilege gate, bounds checks, rate
// limit, then a bounded insert-retry loop that regenerates on code
// collisions. Collisions are never surfaced to the caller.
func (e *Engine) Generate(ctx context.Context, p GenerateParams) (models.Card, error) {
	if !e.generateAuthorized(p.AuthKey) {
		return models.Card{}, ErrUnauthorized
	}
	if p.Amount < e.cfg.AmountMin || p.Amount > e.cfg.AmountMax {
		return models.Card{}, ErrInvalidAmount
	}
	var expiresAt *time.Time
	if p.ExpiryDays != nil {
		days := *p.ExpiryDays
		if days < 1 || days > e.cfg.ExpiryMaxDays {
			return models.Card{}, ErrInvalidExpiry
		}
		exp := e.now().UTC().AddDate(0, 0, days)
		expiresAt = &exp
	}
	if !e.limiter.Allow(p.Identity, ratelimit.ActionGenerate, e.cfg.MaxGenerate, e.cfg.RateWindow) {
		return models.Card{}, ErrRateLimited
	}

	for attempt := 0; attempt < maxCodeRetries; attempt++ {
		card, errBuild := e.buildCard(p, expiresAt)
		if errBuild != nil {
			return models.Card{}, errBuild
		}
		errInsert := e.cards.Insert(ctx, card)
		if errInsert == nil {
			log.WithFields(log.Fields{
				"code":   util.MaskCode(card.Code),
				"amount": card.Balance,
			}).Info("card generated")
			return card, nil
		}
		if errors.Is(errInsert, store.ErrDuplicateCode) {
			continue
		}
		return models.Card{}, mapStoreError(errInsert)
	}
	return models.Card{}, fmt.Errorf("%w: code retries exhausted", ErrStorageFailure)
}

// GenerateBatch issues several cards in one persisted write.
func (e *Engine) GenerateBatch(ctx context.Context, count int, p GenerateParams) ([]models.Card, error) {
	if count < 1 || count > 100 {
		return nil, ErrInvalidAmount
	}
	if !e.generateAuthorized(p.AuthKey) {
		return nil, ErrUnauthorized
	}
	if p.Amount < e.cfg.AmountMin || p.Amount > e.cfg.AmountMax {
		return nil, ErrInvalidAmount
	}
	var expiresAt *time.Time
	if p.ExpiryDays != nil {
		days := *p.ExpiryDays
		if days < 1 || days > e.cfg.ExpiryMaxDays {
			return nil, ErrInvalidExpiry
		}
		exp := e.now().UTC().AddDate(0, 0, days)
		expiresAt = &exp
	}
	if !e.limiter.Allow(p.Identity, ratelimit.ActionGenerate, e.cfg.MaxGenerate, e.cfg.RateWindow) {
		return nil, ErrRateLimited
	}

	for attempt := 0; attempt < maxCodeRetries; attempt++ {
		cards := make([]models.Card, 0, count)
		seen := make(map[string]bool, count)
		ok := true
		for i := 0; i < count; i++ {
			card, errBuild := e.buildCard(p, expiresAt)
			if errBuild != nil {
				return nil, errBuild
			}
			if seen[card.Code] {
				ok = false
				break
			}
			seen[card.Code] = true
			cards = append(cards, card)
		}
		if !ok {
			continue
		}
		errInsert := e.cards.InsertBatch(ctx, cards)
		if errInsert == nil {
			log.WithFields(log.Fields{
				"count":  count,
				"amount": p.Amount,
			}).Info("card batch generated")
			return cards, nil
		}
		if errors.Is(errInsert, store.ErrDuplicateCode) {
			continue
		}
		return nil, mapStoreError(errInsert)
	}
	return nil, fmt.Errorf("%w: code retries exhausted", ErrStorageFailure)
}

// Redeem runs the redemption state machine for a submitted code.
//
// The sentinel comparison happens before rate limiting: escalation is
// not a redemption attempt and does not consume the redeem budget.
func (e *Engine) Redeem(ctx context.Context, rawCode, identity string, origin store.Origin) (RedeemOutcome, error) {
	normalized := codegen.Normalize(rawCode)

	if e.cfg.SentinelCode != "" && normalized == e.cfg.SentinelCode {
		return e.attemptEscalation(ctx)
	}

	if identity == "" {
		identity = "anonymous"
	}
	if !e.limiter.Allow(identity, ratelimit.ActionRedeem, e.cfg.MaxRedeem, e.cfg.RateWindow) {
		return RedeemOutcome{}, ErrRateLimited
	}

	if e.cfg.ResetEscalationOnRedeem && e.access.EscalationCount() > 0 {
		e.access.ResetEscalation()
		if errSave := e.cards.SaveEscalationCounter(ctx, 0); errSave != nil {
			return RedeemOutcome{}, mapStoreError(errSave)
		}
	}

	card, errFind := e.cards.FindByCode(normalized)
	if errFind != nil {
		return RedeemOutcome{}, ErrInvalidCode
	}
	if card.Redeemed {
		return RedeemOutcome{}, ErrAlreadyRedeemed
	}
	if card.Expired {
		return RedeemOutcome{}, ErrExpired
	}
	if card.ExpiresAt != nil && e.now().After(*card.ExpiresAt) {
		if errExpire := e.cards.MarkExpired(ctx, card.ID); errExpire != nil {
			return RedeemOutcome{}, mapStoreError(errExpire)
		}
		return RedeemOutcome{}, ErrExpired
	}

	record, errRedeem := e.cards.MarkRedeemed(ctx, card.ID, identity, origin)
	if errRedeem != nil {
		if errors.Is(errRedeem, store.ErrAlreadyRedeemed) {
			return RedeemOutcome{}, ErrAlreadyRedeemed
		}
		return RedeemOutcome{}, mapStoreError(errRedeem)
	}

	log.WithFields(log.Fields{
		"code":   util.MaskCode(card.Code),
		"amount": record.Amount,
	}).Info("card redeemed")
	return RedeemOutcome{Status: StatusRedeemed, Amount: record.Amount}, nil
}

// attemptEscalation advances the hidden counter and persists its new
// value so progress survives restarts.
func (e *Engine) attemptEscalation(ctx context.Context) (RedeemOutcome, error) {
	out := e.access.AttemptEscalation()
	counter := out.Progress
	if out.Unlocked {
		counter = 0
	}
	if errSave := e.cards.SaveEscalationCounter(ctx, counter); errSave != nil {
		return RedeemOutcome{}, mapStoreError(errSave)
	}
	if out.Unlocked {
		log.Warn("admin privilege granted via escalation sequence")
		return RedeemOutcome{Status: StatusUnlocked}, nil
	}
	return RedeemOutcome{Status: StatusUnlockProgress, Progress: out.Progress}, nil
}

// ListCards returns all cards for admins and an empty sequence
// otherwise. Listing fails closed silently rather than erroring.
func (e *Engine) ListCards() []models.Card {
	if e.access.CurrentLevel() != access.LevelAdmin {
		return []models.Card{}
	}
	return e.cards.ListCards()
}

// ListUnredeemed returns active cards for admins, empty otherwise.
func (e *Engine) ListUnredeemed() []models.Card {
	if e.access.CurrentLevel() != access.LevelAdmin {
		return []models.Card{}
	}
	return e.cards.ListUnredeemed()
}

// ListRedemptions returns the history for admins, empty otherwise.
func (e *Engine) ListRedemptions() []models.RedemptionRecord {
	if e.access.CurrentLevel() != access.LevelAdmin {
		return []models.RedemptionRecord{}
	}
	return e.cards.ListRedemptions()
}

// Balance returns the accumulated wallet balance.
func (e *Engine) Balance() float64 {
	return e.cards.Balance()
}

// CurrentLevel exposes the privilege level for the HTTP layer.
func (e *Engine) CurrentLevel() access.Level {
	return e.access.CurrentLevel()
}

// Login verifies the admin credential and grants admin privilege.
// Granting resets escalation progress, which is persisted.
func (e *Engine) Login(ctx context.Context, credential string) error {
	if e.cfg.AdminPasswordHash == "" || !security.CheckPassword(e.cfg.AdminPasswordHash, credential) {
		return ErrUnauthorized
	}
	e.access.GrantAdmin()
	if errSave := e.cards.SaveEscalationCounter(ctx, 0); errSave != nil {
		return mapStoreError(errSave)
	}
	log.Info("admin login")
	return nil
}

// Logout revokes admin privilege and resets escalation progress.
func (e *Engine) Logout(ctx context.Context) error {
	e.access.RevokeAdmin()
	if errSave := e.cards.SaveEscalationCounter(ctx, 0); errSave != nil {
		return mapStoreError(errSave)
	}
	log.Info("admin logout")
	return nil
}

// Stats summarizes the collection for the admin panel.
type Stats struct {
	TotalCards    int     `json:"total_cards"`
	ActiveCards   int     `json:"active_cards"`
	RedeemedCards int     `json:"redeemed_cards"`
	ExpiredCards  int     `json:"expired_cards"`
	TotalValue    float64 `json:"total_value"`
	RedeemedValue float64 `json:"redeemed_value"`
}

// CardStats computes collection totals for admins; zero stats otherwise.
func (e *Engine) CardStats() Stats {
	var s Stats
	if e.access.CurrentLevel() != access.LevelAdmin {
		return s
	}
	for _, c := range e.cards.ListCards() {
		s.TotalCards++
		s.TotalValue += c.OriginalBalance
		switch {
		case c.Redeemed:
			s.RedeemedCards++
			s.RedeemedValue += c.OriginalBalance
		case c.Expired:
			s.ExpiredCards++
		default:
			s.ActiveCards++
		}
	}
	return s
}

func (e *Engine) generateAuthorized(authKey string) bool {
	if e.access.CurrentLevel() == access.LevelAdmin {
		return true
	}
	if e.cfg.GenerateAuthKey == "" || authKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(e.cfg.GenerateAuthKey), []byte(authKey)) == 1
}

func (e *Engine) buildCard(p GenerateParams, expiresAt *time.Time) (models.Card, error) {
	code, errGen := e.newCode()
	if errGen != nil {
		return models.Card{}, fmt.Errorf("%w: generate code: %v", ErrStorageFailure, errGen)
	}
	return models.Card{
		ID:              uuid.New(),
		Code:            code,
		Balance:         p.Amount,
		OriginalBalance: p.Amount,
		ExpiresAt:       expiresAt,
		CreatedAt:       e.now().UTC(),
		CreatedBy:       p.Identity,
	}, nil
}

func mapStoreError(err error) error {
	if errors.Is(err, store.ErrStorage) {
		return ErrStorageFailure
	}
	if errors.Is(err, store.ErrCardNotFound) {
		return ErrInvalidCode
	}
	return err
}
