package notify

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payment_emulator/api"
	"payment_emulator/models"
	"payment_emulator/parser"
	"payment_emulator/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]api.Notification
	fail string
}

func (r *recordingSender) SendNotification(ctx context.Context, token string, n api.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token == r.fail {
		return errors.New("device gone")
	}
	if r.sent == nil {
		r.sent = make(map[string][]api.Notification)
	}
	r.sent[token] = append(r.sent[token], n)
	return nil
}

func device(t *testing.T, s *store.Store[models.Device], id, trader string, live bool) {
	t.Helper()
	d := models.NewDevice(id, id, time.Now())
	d.TraderID = trader
	if live {
		d.Connect("CODE", "tok-"+id, time.Now())
	}
	require.NoError(t, s.Insert(id, d))
}

func TestBank_KnownAndAliases(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewSource(1)))

	n := g.Bank("sber", 1500, "4321")
	assert.Equal(t, "ru.sberbankmobile", n.PackageName)
	assert.Contains(t, n.Content, "СЧЁТ*4321")
	assert.Contains(t, n.Content, "1500р")
	assert.Equal(t, CategoryTransaction, n.Category)

	n = g.Bank("Тинькофф", 99.5, "")
	assert.Equal(t, "T-Bank", n.AppName)
	assert.Contains(t, n.Content, "99.50 RUB")
}

func TestBank_Unknown(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewSource(1)))
	n := g.Bank("mystery", 10, "0001")
	assert.Equal(t, "com.android.messaging", n.PackageName)
	assert.Equal(t, "mystery", n.AppName)
	assert.Contains(t, n.Content, "*0001")
}

func TestRandom_CoversCategories(t *testing.T) {
	g := NewGenerator(rand.New(rand.NewSource(42)))
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		n := g.Random()
		assert.NotEmpty(t, n.PackageName)
		assert.NotEmpty(t, n.Content)
		seen[n.Category] = true
	}
	for _, c := range []string{CategoryTransaction, CategoryMessage, CategoryEmail, CategorySystem} {
		assert.True(t, seen[c], c)
	}
}

func TestNotifyTransaction(t *testing.T) {
	devices := store.New[models.Device]()
	device(t, devices, "a", "trader-1", true)
	device(t, devices, "b", "trader-1", true)
	device(t, devices, "c", "trader-1", false)
	device(t, devices, "d", "trader-2", true)

	sender := &recordingSender{fail: "tok-b"}
	d := NewDispatcher(devices, sender, NewGenerator(nil), zap.NewNop().Sugar())

	sent := d.NotifyTransaction(context.Background(), models.Transaction{
		ID:         "tx-1",
		Amount:     2500,
		TraderID:   "trader-1",
		Requisites: &models.Requisites{BankType: "vtb", CardNumber: "2200123412345678"},
	})
	assert.Equal(t, 1, sent)
	require.Len(t, sender.sent["tok-a"], 1)
	assert.True(t, strings.Contains(sender.sent["tok-a"][0].Content, "Счет*5678"))
	assert.Empty(t, sender.sent["tok-d"])

	assert.Equal(t, 0, d.NotifyTransaction(context.Background(), models.Transaction{ID: "tx-2"}))
}

func TestHandleCommand(t *testing.T) {
	devices := store.New[models.Device]()
	device(t, devices, "a", "", true)
	device(t, devices, "b", "", false)
	sender := &recordingSender{}
	d := NewDispatcher(devices, sender, NewGenerator(nil), zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, d.HandleCommand(ctx, "a", parser.PollEvent{Status: parser.PollCommand, Command: "notify"}))
	assert.Len(t, sender.sent["tok-a"], 1)

	assert.NoError(t, d.HandleCommand(ctx, "a", parser.PollEvent{Command: "ping"}))
	assert.Error(t, d.HandleCommand(ctx, "b", parser.PollEvent{Command: "notify"}))
	assert.ErrorIs(t, d.HandleCommand(ctx, "a", parser.PollEvent{Command: "reboot"}), ErrUnknownCommand)
}
