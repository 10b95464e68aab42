package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cardvault/cardvault/internal/access"
	"github.com/cardvault/cardvault/internal/blob"
	"github.com/cardvault/cardvault/internal/models"
	"github.com/cardvault/cardvault/internal/ratelimit"
	"github.com/cardvault/cardvault/internal/security"
	"github.com/cardvault/cardvault/internal/store"
)

type memoryBlob struct {
	mu   sync.Mutex
	data []byte
}

func (m *memoryBlob) Load(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, blob.ErrNotFound
	}
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out, nil
}

func (m *memoryBlob) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make([]byte, len(data))
	copy(m.data, data)
	return nil
}

const testSentinel = "GODM-GODM-GODM-1337"

type fixture struct {
	engine *Engine
	cards  *store.CardStore
	ctrl   *access.Controller
	blob   *memoryBlob
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		blob: &memoryBlob{},
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.cards = store.NewWithClock(f.blob, clock)
	f.ctrl = access.NewController(10)

	hash, errHash := security.HashPassword("open-sesame")
	if errHash != nil {
		t.Fatalf("hash: %v", errHash)
	}
	cfg := Config{
		AmountMin:         5,
		AmountMax:         1000,
		ExpiryMaxDays:     365,
		RateWindow:        time.Hour,
		MaxGenerate:       20,
		MaxRedeem:         10,
		SentinelCode:      testSentinel,
		AdminPasswordHash: hash,
		GenerateAuthKey:   "issuer-key",
	}
	f.engine = New(cfg, f.cards, ratelimit.NewWithClock(clock), f.ctrl)
	f.engine.now = clock
	return f
}

func (f *fixture) generateAsAdmin(t *testing.T, amount float64, expiryDays *int) models.Card {
	t.Helper()
	f.ctrl.GrantAdmin()
	card, errGen := f.engine.Generate(context.Background(), GenerateParams{
		Amount:     amount,
		ExpiryDays: expiryDays,
		Identity:   "admin",
	})
	if errGen != nil {
		t.Fatalf("generate: %v", errGen)
	}
	f.ctrl.RevokeAdmin()
	return card
}

func TestGenerateRequiresPrivilege(t *testing.T) {
	f := newFixture(t)
	_, errGen := f.engine.Generate(context.Background(), GenerateParams{Amount: 50, Identity: "nobody"})
	if !errors.Is(errGen, ErrUnauthorized) {
		t.Fatalf("standard generate: got %v, want ErrUnauthorized", errGen)
	}

	// A valid auth key authorizes without a session.
	card, errKey := f.engine.Generate(context.Background(), GenerateParams{Amount: 50, Identity: "batch", AuthKey: "issuer-key"})
	if errKey != nil {
		t.Fatalf("auth key generate: %v", errKey)
	}
	if card.CreatedBy != "batch" {
		t.Fatalf("createdBy: got %q", card.CreatedBy)
	}

	if _, errBad := f.engine.Generate(context.Background(), GenerateParams{Amount: 50, AuthKey: "wrong"}); !errors.Is(errBad, ErrUnauthorized) {
		t.Fatalf("bad auth key: got %v, want ErrUnauthorized", errBad)
	}
}

func TestGenerateAmountBoundaries(t *testing.T) {
	f := newFixture(t)
	f.ctrl.GrantAdmin()

	cases := []struct {
		amount float64
		ok     bool
	}{
		{4.99, false},
		{5.00, true},
		{1000.00, true},
		{1000.01, false},
	}
	for _, tc := range cases {
		_, errGen := f.engine.Generate(context.Background(), GenerateParams{Amount: tc.amount, Identity: "admin"})
		if tc.ok && errGen != nil {
			t.Fatalf("amount %v: unexpected error %v", tc.amount, errGen)
		}
		if !tc.ok && !errors.Is(errGen, ErrInvalidAmount) {
			t.Fatalf("amount %v: got %v, want ErrInvalidAmount", tc.amount, errGen)
		}
	}
}

func TestGenerateExpiryValidation(t *testing.T) {
	f := newFixture(t)
	f.ctrl.GrantAdmin()

	for _, days := range []int{0, -1, 366} {
		d := days
		_, errGen := f.engine.Generate(context.Background(), GenerateParams{Amount: 50, ExpiryDays: &d, Identity: "admin"})
		if !errors.Is(errGen, ErrInvalidExpiry) {
			t.Fatalf("days %d: got %v, want ErrInvalidExpiry", days, errGen)
		}
	}

	d := 30
	card, errGen := f.engine.Generate(context.Background(), GenerateParams{Amount: 50, ExpiryDays: &d, Identity: "admin"})
	if errGen != nil {
		t.Fatalf("valid expiry: %v", errGen)
	}
	want := f.now.AddDate(0, 0, 30)
	if card.ExpiresAt == nil || !card.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt: got %v, want %v", card.ExpiresAt, want)
	}
}

func TestGenerateRetriesDuplicateCodes(t *testing.T) {
	f := newFixture(t)
	f.ctrl.GrantAdmin()

	codes := []string{
		"AAAA-AAAA-AAAA-AAAA",
		"AAAA-AAAA-AAAA-AAAA",
		"BBBB-BBBB-BBBB-BBBB",
	}
	i := 0
	f.engine.newCode = func() (string, error) {
		code := codes[i%len(codes)]
		i++
		return code, nil
	}

	first, errFirst := f.engine.Generate(context.Background(), GenerateParams{Amount: 50, Identity: "admin"})
	if errFirst != nil {
		t.Fatalf("first generate: %v", errFirst)
	}
	if first.Code != "AAAA-AAAA-AAAA-AAAA" {
		t.Fatalf("first code: %q", first.Code)
	}

	// Second call collides once, then succeeds with a fresh code.
	second, errSecond := f.engine.Generate(context.Background(), GenerateParams{Amount: 50, Identity: "admin"})
	if errSecond != nil {
		t.Fatalf("second generate: %v", errSecond)
	}
	if second.Code != "BBBB-BBBB-BBBB-BBBB" {
		t.Fatalf("second code: %q", second.Code)
	}
}

func TestGenerateExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	f.ctrl.GrantAdmin()
	f.engine.newCode = func() (string, error) { return "CCCC-CCCC-CCCC-CCCC", nil }

	if _, errFirst := f.engine.Generate(context.Background(), GenerateParams{Amount: 50, Identity: "admin"}); errFirst != nil {
		t.Fatalf("first generate: %v", errFirst)
	}
	_, errStuck := f.engine.Generate(context.Background(), GenerateParams{Amount: 50, Identity: "admin"})
	if !errors.Is(errStuck, ErrStorageFailure) {
		t.Fatalf("exhausted retries: got %v, want ErrStorageFailure", errStuck)
	}
}

func TestRedeemLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.generateAsAdmin(t, 75, nil)

	out, errRedeem := f.engine.Redeem(ctx, "  "+card.Code+"  ", "anonymous", store.Origin{IPAddress: "127.0.0.1"})
	if errRedeem != nil {
		t.Fatalf("redeem: %v", errRedeem)
	}
	if out.Status != StatusRedeemed || out.Amount != 75 {
		t.Fatalf("outcome: %+v", out)
	}
	if f.engine.Balance() != 75 {
		t.Fatalf("wallet: got %v, want 75", f.engine.Balance())
	}

	if _, errAgain := f.engine.Redeem(ctx, card.Code, "anonymous", store.Origin{}); !errors.Is(errAgain, ErrAlreadyRedeemed) {
		t.Fatalf("second redeem: got %v, want ErrAlreadyRedeemed", errAgain)
	}
	if _, errBad := f.engine.Redeem(ctx, "ZZZZ-ZZZZ-ZZZZ-ZZZZ", "anonymous", store.Origin{}); !errors.Is(errBad, ErrInvalidCode) {
		t.Fatalf("unknown code: got %v, want ErrInvalidCode", errBad)
	}
}

func TestRedeemExpiredCardIsMarked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	days := 3
	card := f.generateAsAdmin(t, 50, &days)

	f.now = f.now.AddDate(0, 0, 4)

	if _, errRedeem := f.engine.Redeem(ctx, card.Code, "anonymous", store.Origin{}); !errors.Is(errRedeem, ErrExpired) {
		t.Fatalf("expired redeem: got %v, want ErrExpired", errRedeem)
	}

	// The expired flag is persisted and survives a reload.
	reloaded := store.New(f.blob)
	if errReload := reloaded.Reload(ctx); errReload != nil {
		t.Fatalf("reload: %v", errReload)
	}
	got, errFind := reloaded.FindByCode(card.Code)
	if errFind != nil {
		t.Fatalf("find: %v", errFind)
	}
	if !got.Expired {
		t.Fatal("expired flag should persist across loads")
	}

	// Later attempts fail the same way without another write.
	if _, errAgain := f.engine.Redeem(ctx, card.Code, "anonymous", store.Origin{}); !errors.Is(errAgain, ErrExpired) {
		t.Fatalf("repeat expired redeem: got %v", errAgain)
	}
}

func TestRedeemRateLimited(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.MaxRedeem = 3
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, errRedeem := f.engine.Redeem(ctx, "ZZZZ-ZZZZ-ZZZZ-0000", "user-1", store.Origin{}); !errors.Is(errRedeem, ErrInvalidCode) {
			t.Fatalf("attempt %d: got %v", i+1, errRedeem)
		}
	}
	if _, errRedeem := f.engine.Redeem(ctx, "ZZZZ-ZZZZ-ZZZZ-0000", "user-1", store.Origin{}); !errors.Is(errRedeem, ErrRateLimited) {
		t.Fatalf("4th attempt: got %v, want ErrRateLimited", errRedeem)
	}

	f.now = f.now.Add(time.Hour + time.Minute)
	if _, errRedeem := f.engine.Redeem(ctx, "ZZZZ-ZZZZ-ZZZZ-0000", "user-1", store.Origin{}); !errors.Is(errRedeem, ErrInvalidCode) {
		t.Fatalf("after window: got %v, want ErrInvalidCode", errRedeem)
	}
}

func TestSentinelEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 9; i++ {
		out, errRedeem := f.engine.Redeem(ctx, testSentinel, "anonymous", store.Origin{})
		if errRedeem != nil {
			t.Fatalf("attempt %d: %v", i, errRedeem)
		}
		if out.Status != StatusUnlockProgress || out.Progress != i {
			t.Fatalf("attempt %d: outcome %+v", i, out)
		}
	}
	if f.engine.CurrentLevel() != access.LevelStandard {
		t.Fatal("level must stay standard before threshold")
	}

	out, errRedeem := f.engine.Redeem(ctx, testSentinel, "anonymous", store.Origin{})
	if errRedeem != nil {
		t.Fatalf("10th attempt: %v", errRedeem)
	}
	if out.Status != StatusUnlocked {
		t.Fatalf("10th attempt: outcome %+v", out)
	}
	if f.engine.CurrentLevel() != access.LevelAdmin {
		t.Fatal("level should be admin after unlock")
	}
	if f.cards.EscalationCounter() != 0 {
		t.Fatalf("persisted counter after unlock: %d", f.cards.EscalationCounter())
	}
}

func TestSentinelBypassesRateLimit(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.MaxRedeem = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f.engine.Redeem(ctx, "ZZZZ-ZZZZ-ZZZZ-0000", "anonymous", store.Origin{})
	}
	// Redemption budget is gone; the sentinel still advances.
	out, errRedeem := f.engine.Redeem(ctx, testSentinel, "anonymous", store.Origin{})
	if errRedeem != nil {
		t.Fatalf("sentinel after limit: %v", errRedeem)
	}
	if out.Status != StatusUnlockProgress || out.Progress != 1 {
		t.Fatalf("sentinel outcome: %+v", out)
	}
}

func TestSentinelProgressPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, errRedeem := f.engine.Redeem(ctx, testSentinel, "anonymous", store.Origin{}); errRedeem != nil {
			t.Fatalf("attempt %d: %v", i+1, errRedeem)
		}
	}
	if f.cards.EscalationCounter() != 4 {
		t.Fatalf("persisted counter: %d, want 4", f.cards.EscalationCounter())
	}

	reloaded := store.New(f.blob)
	if errReload := reloaded.Reload(ctx); errReload != nil {
		t.Fatalf("reload: %v", errReload)
	}
	if reloaded.EscalationCounter() != 4 {
		t.Fatalf("counter after reload: %d, want 4", reloaded.EscalationCounter())
	}
}

func TestResetEscalationOnRedeemPolicy(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.ResetEscalationOnRedeem = true
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.engine.Redeem(ctx, testSentinel, "anonymous", store.Origin{})
	}
	if f.ctrl.EscalationCount() != 3 {
		t.Fatalf("progress: %d", f.ctrl.EscalationCount())
	}

	f.engine.Redeem(ctx, "ZZZZ-ZZZZ-ZZZZ-0000", "anonymous", store.Origin{})
	if f.ctrl.EscalationCount() != 0 {
		t.Fatal("non-sentinel submission should reset progress under the policy")
	}
	if f.cards.EscalationCounter() != 0 {
		t.Fatal("reset should persist")
	}
}

func TestListingFailsClosedSilently(t *testing.T) {
	f := newFixture(t)
	f.generateAsAdmin(t, 50, nil)

	if got := f.engine.ListCards(); len(got) != 0 {
		t.Fatalf("standard ListCards: got %d cards, want 0", len(got))
	}
	if got := f.engine.ListUnredeemed(); len(got) != 0 {
		t.Fatalf("standard ListUnredeemed: got %d, want 0", len(got))
	}
	if got := f.engine.ListRedemptions(); len(got) != 0 {
		t.Fatalf("standard ListRedemptions: got %d, want 0", len(got))
	}

	f.ctrl.GrantAdmin()
	if got := f.engine.ListCards(); len(got) != 1 {
		t.Fatalf("admin ListCards: got %d, want 1", len(got))
	}
}

func TestLoginLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if errLogin := f.engine.Login(ctx, "wrong"); !errors.Is(errLogin, ErrUnauthorized) {
		t.Fatalf("bad credential: got %v, want ErrUnauthorized", errLogin)
	}
	if errLogin := f.engine.Login(ctx, "open-sesame"); errLogin != nil {
		t.Fatalf("login: %v", errLogin)
	}
	if f.engine.CurrentLevel() != access.LevelAdmin {
		t.Fatal("login should grant admin")
	}

	if errLogout := f.engine.Logout(ctx); errLogout != nil {
		t.Fatalf("logout: %v", errLogout)
	}
	if f.engine.CurrentLevel() != access.LevelStandard {
		t.Fatal("logout should revoke admin")
	}
}

func TestGenerateBatch(t *testing.T) {
	f := newFixture(t)
	f.ctrl.GrantAdmin()

	cards, errBatch := f.engine.GenerateBatch(context.Background(), 5, GenerateParams{Amount: 25, Identity: "admin"})
	if errBatch != nil {
		t.Fatalf("batch: %v", errBatch)
	}
	if len(cards) != 5 {
		t.Fatalf("batch size: got %d", len(cards))
	}
	seen := make(map[string]bool)
	for _, c := range cards {
		if seen[c.Code] {
			t.Fatalf("duplicate code in batch: %s", c.Code)
		}
		seen[c.Code] = true
	}
	if got := f.engine.ListCards(); len(got) != 5 {
		t.Fatalf("stored cards: got %d", len(got))
	}

	if _, errCount := f.engine.GenerateBatch(context.Background(), 0, GenerateParams{Amount: 25}); !errors.Is(errCount, ErrInvalidAmount) {
		t.Fatalf("zero count: got %v", errCount)
	}
	if _, errCount := f.engine.GenerateBatch(context.Background(), 101, GenerateParams{Amount: 25}); !errors.Is(errCount, ErrInvalidAmount) {
		t.Fatalf("oversized count: got %v", errCount)
	}
}

func TestCardStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.generateAsAdmin(t, 100, nil)
	f.generateAsAdmin(t, 200, nil)
	days := 1
	c := f.generateAsAdmin(t, 50, &days)

	if _, errRedeem := f.engine.Redeem(ctx, a.Code, "anonymous", store.Origin{}); errRedeem != nil {
		t.Fatalf("redeem: %v", errRedeem)
	}
	f.now = f.now.AddDate(0, 0, 2)
	f.engine.Redeem(ctx, c.Code, "anonymous", store.Origin{})

	if got := f.engine.CardStats(); got != (Stats{}) {
		t.Fatal("stats should be zero for standard privilege")
	}

	f.ctrl.GrantAdmin()
	stats := f.engine.CardStats()
	want := Stats{
		TotalCards:    3,
		ActiveCards:   1,
		RedeemedCards: 1,
		ExpiredCards:  1,
		TotalValue:    350,
		RedeemedValue: 100,
	}
	if stats != want {
		t.Fatalf("stats: got %+v, want %+v", stats, want)
	}
}
