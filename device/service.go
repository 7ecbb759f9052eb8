// Package device manages emulated mobile devices and their polling pipelines.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment_emulator/api"
	"payment_emulator/models"
	"payment_emulator/store"
	"payment_emulator/tasks"
)

var (
	ErrNotConnected     = errors.New("device not connected")
	ErrAlreadyConnected = errors.New("device already connected")
	ErrEmptyCode        = errors.New("device code is empty")
)

// Persister saves the full device collection after meaningful transitions.
type Persister interface {
	SaveDevices(devices []models.Device) error
}

type Service struct {
	devices  *store.Store[models.Device]
	registry *tasks.Registry
	backend  Backend
	commands CommandHandler
	persist  Persister
	iv       Intervals
	log      *zap.SugaredLogger
}

type Option func(*Service)

func WithIntervals(iv Intervals) Option {
	return func(s *Service) { s.iv = iv }
}

func WithCommandHandler(h CommandHandler) Option {
	return func(s *Service) { s.commands = h }
}

func WithPersister(p Persister) Option {
	return func(s *Service) { s.persist = p }
}

func NewService(devices *store.Store[models.Device], registry *tasks.Registry, backend Backend, log *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		devices:  devices,
		registry: registry,
		backend:  backend,
		iv:       DefaultIntervals(),
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Create(name string) (models.Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Device{}, errors.New("device name is empty")
	}
	d := models.NewDevice(uuid.NewString(), name, time.Now())
	if err := s.devices.Insert(d.ID, d); err != nil {
		return models.Device{}, err
	}
	s.save()

	s.log.Infow("Device created", "device_id", d.ID, "name", name)
	return d, nil
}

func (s *Service) Get(id string) (models.Device, error) {
	d, ok := s.devices.Get(id)
	if !ok {
		return models.Device{}, fmt.Errorf("device %s: %w", id, store.ErrNotFound)
	}
	return d, nil
}

func (s *Service) List() []models.Device {
	return s.devices.List()
}

// Connect exchanges code for a session token and starts the polling
// pipeline. A pipeline left over from an earlier session is force-stopped
// and awaited first.
func (s *Service) Connect(ctx context.Context, id, code string) (models.Device, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.Device{}, ErrEmptyCode
	}
	d, err := s.Get(id)
	if err != nil {
		return models.Device{}, err
	}
	if d.Connected {
		return models.Device{}, ErrAlreadyConnected
	}

	if err := s.registry.ForceStop(id); err == nil {
		select {
		case <-s.registry.Done(id):
		case <-ctx.Done():
			return models.Device{}, ctx.Err()
		}
	}

	token, err := s.backend.ConnectDevice(ctx, api.ConnectRequest{
		DeviceCode:     code,
		BatteryLevel:   d.BatteryLevel,
		NetworkInfo:    d.NetworkInfo,
		DeviceModel:    d.DeviceModel,
		AndroidVersion: d.AndroidVersion,
		AppVersion:     d.AppVersion,
	})
	if err != nil {
		return models.Device{}, fmt.Errorf("connect device %s: %w", id, err)
	}

	d, err = s.devices.Mutate(id, func(d *models.Device) error {
		if d.Connected {
			return ErrAlreadyConnected
		}
		d.Connect(code, token, time.Now())
		return nil
	})
	if err != nil {
		return models.Device{}, err
	}
	s.save()

	if err := s.startPipeline(id); err != nil {
		return d, err
	}
	s.log.Infow("Device connected", "device_id", id, "name", d.Name)
	return d, nil
}

// Disconnect clears the session and signals the pipeline to stop. Loops
// still in flight notice on their next tick.
func (s *Service) Disconnect(id string) error {
	_, err := s.devices.Mutate(id, func(d *models.Device) error {
		if !d.Connected {
			return ErrNotConnected
		}
		d.Disconnect()
		return nil
	})
	if err != nil {
		return fmt.Errorf("disconnect device %s: %w", id, err)
	}
	if err := s.registry.Stop(id); err != nil && !errors.Is(err, tasks.ErrNotRunning) {
		return err
	}
	s.save()

	s.log.Infow("Device disconnected", "device_id", id, "reason", "operator")
	return nil
}

func (s *Service) LinkTrader(id, traderID string) (models.Device, error) {
	d, err := s.devices.Mutate(id, func(d *models.Device) error {
		d.TraderID = strings.TrimSpace(traderID)
		return nil
	})
	if err != nil {
		return models.Device{}, fmt.Errorf("link device %s: %w", id, err)
	}
	s.save()
	return d, nil
}

// ConnectedForTrader lists live devices linked to traderID.
func (s *Service) ConnectedForTrader(traderID string) []models.Device {
	return s.devices.Filter(func(d models.Device) bool {
		return d.Live() && d.TraderID == traderID
	})
}

// Reconnectable lists disconnected devices that still hold a device code.
func (s *Service) Reconnectable() []models.Device {
	return s.devices.Filter(func(d models.Device) bool {
		return !d.Connected && d.DeviceCode != ""
	})
}

// Resume restarts pipelines for devices that were connected when the last
// snapshot was taken. It returns how many were started.
func (s *Service) Resume() int {
	n := 0
	for _, d := range s.devices.Filter(func(d models.Device) bool { return d.Live() }) {
		if err := s.startPipeline(d.ID); err != nil {
			s.log.Warnw("Failed to resume device", "device_id", d.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Infow("Resumed device pipelines", "count", n)
	}
	return n
}

// Notify pushes n through a live device's session.
func (s *Service) Notify(ctx context.Context, id string, n api.Notification) error {
	d, err := s.Get(id)
	if err != nil {
		return err
	}
	if !d.Live() {
		return fmt.Errorf("notify device %s: %w", id, ErrNotConnected)
	}
	if err := s.backend.SendNotification(ctx, d.Token, n); err != nil {
		return fmt.Errorf("notify device %s: %w", id, err)
	}
	return nil
}

func (s *Service) Running(id string) bool {
	_, ok := s.registry.IsRunning(id)
	return ok
}

func (s *Service) startPipeline(id string) error {
	p := &pipeline{
		id:       id,
		devices:  s.devices,
		backend:  s.backend,
		commands: s.commands,
		iv:       s.iv,
		log:      s.log,
		onDisconnect: func(string, string) {
			s.save()
		},
	}
	return s.registry.Start(id, tasks.Meta{Kind: tasks.KindDevice}, p.run)
}

func (s *Service) save() {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveDevices(s.devices.List()); err != nil {
		s.log.Errorw("Failed to save devices", "error", err)
	}
}
