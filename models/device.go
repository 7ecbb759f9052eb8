package models

import "time"

const (
	DefaultBattery        = 85
	MinDrainBattery       = 10
	DefaultNetworkInfo    = "Wi-Fi"
	DefaultDeviceModel    = "Google Pixel 7"
	DefaultAndroidVersion = "13"
	DefaultAppVersion     = "1.0.0"
)

// Device is an emulated mobile client. Token is non-empty iff Connected.
type Device struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	DeviceCode     string     `json:"device_code,omitempty"`
	Token          string     `json:"token,omitempty"`
	TraderID       string     `json:"trader_id,omitempty"`
	Connected      bool       `json:"is_connected"`
	BatteryLevel   int        `json:"battery_level"`
	NetworkInfo    string     `json:"network_info"`
	DeviceModel    string     `json:"device_model"`
	AndroidVersion string     `json:"android_version"`
	AppVersion     string     `json:"app_version"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActiveAt   *time.Time `json:"last_active_at,omitempty"`
}

func NewDevice(id, name string, now time.Time) Device {
	return Device{
		ID:             id,
		Name:           name,
		BatteryLevel:   DefaultBattery,
		NetworkInfo:    DefaultNetworkInfo,
		DeviceModel:    DefaultDeviceModel,
		AndroidVersion: DefaultAndroidVersion,
		AppVersion:     DefaultAppVersion,
		CreatedAt:      now,
	}
}

func (d *Device) Connect(code, token string, now time.Time) {
	d.DeviceCode = code
	d.Token = token
	d.Connected = true
	d.Touch(now)
}

// Disconnect clears the live session but keeps the device code so the
// device can be reconnected later.
func (d *Device) Disconnect() {
	d.Connected = false
	d.Token = ""
}

func (d *Device) Touch(now time.Time) {
	t := now
	d.LastActiveAt = &t
}

// DrainBattery lowers the battery by one point, never below MinDrainBattery.
func (d *Device) DrainBattery() {
	if d.BatteryLevel > MinDrainBattery {
		d.BatteryLevel--
	}
}

// Live reports whether the device holds a usable session.
func (d Device) Live() bool {
	return d.Connected && d.Token != ""
}
