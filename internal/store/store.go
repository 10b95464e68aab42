// Package store owns the card and redemption collections. It is the
// only component allowed to mutate them; every mutating operation
// rewrites the whole persisted document before returning, so a crash
// between mutation and persist is the only window for data loss.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/cardvault/cardvault/internal/blob"
	"github.com/cardvault/cardvault/internal/codegen"
	"github.com/cardvault/cardvault/internal/models"
)

var (
	// ErrDuplicateCode indicates an insert collided with an existing
	// code. Callers regenerate and retry; it is never surfaced to users.
	ErrDuplicateCode = errors.New("store: duplicate code")
	// ErrCardNotFound indicates no card matches the given id or code.
	ErrCardNotFound = errors.New("store: card not found")
	// ErrAlreadyRedeemed indicates the card reached its terminal
	// redeemed state before this transition.
	ErrAlreadyRedeemed = errors.New("store: card already redeemed")
	// ErrStorage indicates the backing document could not be read or
	// written. In-memory state is rolled back to the last known-good
	// snapshot when it is returned from a mutation.
	ErrStorage = errors.New("store: storage failure")
)

// Origin carries client metadata recorded on redemption.
type Origin struct {
	IPAddress string
	UserAgent string
}

// CardStore holds the in-memory collection and writes it through the
// blob adapter. All methods are safe for concurrent use; the store
// mutex makes each check-then-set transition atomic, so two concurrent
// redemptions of one code cannot both succeed.
type CardStore struct {
	mu   sync.Mutex
	blob blob.Store
	now  func() time.Time

	cards      []models.Card
	byCode     map[string]int
	history    []models.RedemptionRecord
	balance    float64
	escalation int
}

// New returns an empty store writing through the given blob adapter.
func New(b blob.Store) *CardStore {
	return &CardStore{
		blob:   b,
		now:    time.Now,
		byCode: make(map[string]int),
	}
}

// NewWithClock returns a store with an injected clock for tests.
func NewWithClock(b blob.Store, now func() time.Time) *CardStore {
	s := New(b)
	s.now = now
	return s
}

// Reload replaces in-memory state with the persisted document. A
// missing document leaves the store empty; that is the first-run path.
func (s *CardStore) Reload(ctx context.Context) error {
	data, err := s.blob.Load(ctx)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var doc models.StateDocument
	if errDecode := json.Unmarshal(data, &doc); errDecode != nil {
		return fmt.Errorf("%w: decode document: %v", ErrStorage, errDecode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = doc.Cards
	s.history = doc.RedemptionHistory
	s.balance = doc.UserBalance
	s.escalation = doc.EscalationCounter
	s.byCode = make(map[string]int, len(s.cards))
	for i := range s.cards {
		s.byCode[s.cards[i].Code] = i
	}
	return nil
}

// Insert adds a card and persists. Fails with ErrDuplicateCode when the
// code is already present; the caller retries with a fresh code.
func (s *CardStore) Insert(ctx context.Context, card models.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byCode[card.Code]; exists {
		return ErrDuplicateCode
	}

	s.cards = append(s.cards, card)
	s.byCode[card.Code] = len(s.cards) - 1

	if errPersist := s.persistLocked(ctx); errPersist != nil {
		s.cards = s.cards[:len(s.cards)-1]
		delete(s.byCode, card.Code)
		return errPersist
	}
	return nil
}

// InsertBatch adds several cards in one persisted write. Either all
// cards are stored or none are.
func (s *CardStore) InsertBatch(ctx context.Context, cards []models.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, card := range cards {
		if _, exists := s.byCode[card.Code]; exists {
			return ErrDuplicateCode
		}
	}

	start := len(s.cards)
	for _, card := range cards {
		s.cards = append(s.cards, card)
		s.byCode[card.Code] = len(s.cards) - 1
	}

	if errPersist := s.persistLocked(ctx); errPersist != nil {
		for _, card := range cards {
			delete(s.byCode, card.Code)
		}
		s.cards = s.cards[:start]
		return errPersist
	}
	return nil
}

// FindByCode looks up a card by exact match after normalizing the input.
func (s *CardStore) FindByCode(rawCode string) (models.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byCode[codegen.Normalize(rawCode)]
	if !ok {
		return models.Card{}, ErrCardNotFound
	}
	return s.cards[idx], nil
}

// MarkRedeemed performs the atomic active-to-redeemed transition,
// credits the wallet, and appends the redemption record. The history
// order reflects commit order under concurrent access because the
// append happens under the same lock as the transition.
func (s *CardStore) MarkRedeemed(ctx context.Context, cardID uuid.UUID, identity string, origin Origin) (models.RedemptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexByIDLocked(cardID)
	if idx < 0 {
		return models.RedemptionRecord{}, ErrCardNotFound
	}
	card := &s.cards[idx]
	if card.Redeemed {
		return models.RedemptionRecord{}, ErrAlreadyRedeemed
	}

	prev := *card
	prevBalance := s.balance

	now := s.now().UTC()
	card.Redeemed = true
	card.RedeemedAt = &now
	card.RedeemedBy = identity
	s.balance += card.Balance

	record := models.RedemptionRecord{
		ID:         uuid.New(),
		CardID:     card.ID,
		RedeemedBy: identity,
		Amount:     card.Balance,
		RedeemedAt: now,
		IPAddress:  origin.IPAddress,
		UserAgent:  origin.UserAgent,
	}
	s.history = append(s.history, record)

	if errPersist := s.persistLocked(ctx); errPersist != nil {
		s.cards[idx] = prev
		s.balance = prevBalance
		s.history = s.history[:len(s.history)-1]
		return models.RedemptionRecord{}, errPersist
	}
	return record, nil
}

// MarkExpired flags a card expired and persists. Idempotent: marking an
// already-expired card is a no-op without a write.
func (s *CardStore) MarkExpired(ctx context.Context, cardID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexByIDLocked(cardID)
	if idx < 0 {
		return ErrCardNotFound
	}
	if s.cards[idx].Expired {
		return nil
	}

	s.cards[idx].Expired = true
	if errPersist := s.persistLocked(ctx); errPersist != nil {
		s.cards[idx].Expired = false
		return errPersist
	}
	return nil
}

// ListCards returns all cards, newest first.
func (s *CardStore) ListCards() []models.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortCardsDesc(s.cards)
}

// ListUnredeemed returns cards that are neither redeemed nor expired,
// newest first.
func (s *CardStore) ListUnredeemed() []models.Card {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Card, 0, len(s.cards))
	for _, c := range s.cards {
		if !c.Redeemed && !c.Expired {
			out = append(out, c)
		}
	}
	return sortCardsDesc(out)
}

// ListRedemptions returns the redemption history, newest first.
func (s *CardStore) ListRedemptions() []models.RedemptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.RedemptionRecord, len(s.history))
	copy(out, s.history)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RedeemedAt.After(out[j].RedeemedAt)
	})
	return out
}

// Balance returns the accumulated wallet balance.
func (s *CardStore) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// EscalationCounter returns the persisted escalation counter value.
func (s *CardStore) EscalationCounter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalation
}

// SaveEscalationCounter persists a new escalation counter value.
func (s *CardStore) SaveEscalationCounter(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.escalation
	s.escalation = n
	if errPersist := s.persistLocked(ctx); errPersist != nil {
		s.escalation = prev
		return errPersist
	}
	return nil
}

// Persist rewrites the document from current in-memory state. Mutating
// operations persist on their own; this exists for explicit flushes.
func (s *CardStore) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

// persistLocked serializes the whole document and writes it through the
// blob adapter. Caller must hold s.mu.
func (s *CardStore) persistLocked(ctx context.Context) error {
	doc := models.StateDocument{
		Cards:             s.cards,
		RedemptionHistory: s.history,
		UserBalance:       s.balance,
		EscalationCounter: s.escalation,
	}
	if doc.Cards == nil {
		doc.Cards = []models.Card{}
	}
	if doc.RedemptionHistory == nil {
		doc.RedemptionHistory = []models.RedemptionRecord{}
	}
	data, errEncode := json.Marshal(doc)
	if errEncode != nil {
		return fmt.Errorf("%w: encode document: %v", ErrStorage, errEncode)
	}
	if errSave := s.blob.Save(ctx, data); errSave != nil {
		log.WithError(errSave).Error("card store: persist failed, rolling back")
		return fmt.Errorf("%w: %v", ErrStorage, errSave)
	}
	return nil
}

func (s *CardStore) indexByIDLocked(cardID uuid.UUID) int {
	for i := range s.cards {
		if s.cards[i].ID == cardID {
			return i
		}
	}
	return -1
}

func sortCardsDesc(cards []models.Card) []models.Card {
	out := make([]models.Card, len(cards))
	copy(out, cards)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
