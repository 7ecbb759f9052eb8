package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"payment_emulator/api"
	"payment_emulator/models"
	"payment_emulator/parser"
	"payment_emulator/store"
)

var ErrUnknownCommand = errors.New("unknown command")

// Sender pushes one notification through a device session.
type Sender interface {
	SendNotification(ctx context.Context, token string, n api.Notification) error
}

// Dispatcher delivers notifications to connected devices. It also serves as
// the long-poll command handler for devices.
type Dispatcher struct {
	devices *store.Store[models.Device]
	sender  Sender
	gen     *Generator
	log     *zap.SugaredLogger
}

func NewDispatcher(devices *store.Store[models.Device], sender Sender, gen *Generator, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{devices: devices, sender: sender, gen: gen, log: log}
}

// NotifyTransaction sends a bank top-up notification for tx to every live
// device of the transaction's trader and returns how many were delivered.
func (d *Dispatcher) NotifyTransaction(ctx context.Context, tx models.Transaction) int {
	if tx.TraderID == "" {
		return 0
	}
	targets := d.devices.Filter(func(dev models.Device) bool {
		return dev.Live() && dev.TraderID == tx.TraderID
	})
	if len(targets) == 0 {
		d.log.Debugw("No connected devices for trader", "trader_id", tx.TraderID, "transaction_id", tx.ID)
		return 0
	}

	bank, card := "", ""
	if tx.Requisites != nil {
		bank, card = tx.Requisites.BankType, tx.Requisites.CardSuffix()
	}
	n := d.gen.Bank(bank, tx.Amount, card)

	sent := 0
	for _, dev := range targets {
		if err := d.sender.SendNotification(ctx, dev.Token, n); err != nil {
			d.log.Warnw("Failed to notify device",
				"device_id", dev.ID,
				"transaction_id", tx.ID,
				"error", err,
			)
			continue
		}
		sent++
	}
	d.log.Infow("Transaction notification sent", "transaction_id", tx.ID, "trader_id", tx.TraderID, "devices", sent)
	return sent
}

// HandleCommand reacts to a server command received by deviceID. "notify"
// pushes a random notification back; "ping" is acknowledged silently.
func (d *Dispatcher) HandleCommand(ctx context.Context, deviceID string, ev parser.PollEvent) error {
	switch ev.Command {
	case "ping", "":
		return nil
	case "notify", "send_notification":
		dev, ok := d.devices.Get(deviceID)
		if !ok || !dev.Live() {
			return fmt.Errorf("device %s is not connected", deviceID)
		}
		return d.sender.SendNotification(ctx, dev.Token, d.gen.Random())
	default:
		d.log.Infow("Received command", "device_id", deviceID, "command", ev.Command)
		return fmt.Errorf("%w: %s", ErrUnknownCommand, ev.Command)
	}
}
