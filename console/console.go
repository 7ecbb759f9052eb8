package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"payment_emulator/api"
	"payment_emulator/models"
	"payment_emulator/traffic"
)

const defaultDeviceName = "My Test Device"

type Merchants interface {
	Create(ctx context.Context, name, apiKey string) (models.Merchant, error)
	Get(id string) (models.Merchant, error)
	List() []models.Merchant
	Update(id string, fn func(*models.Merchant) error) (models.Merchant, error)
	RefreshBalance(ctx context.Context, id string) (float64, error)
	AvailableMethods(ctx context.Context, id string) ([]models.PaymentMethod, error)
	History(merchantID string) []models.TransactionHistory
	Statistics(merchantID string) (models.Statistics, bool)
	Export(merchantID, dir string) (string, string, error)
}

type Traffic interface {
	Start(merchantID, fallbackMethod string, quiet bool) error
	Stop(merchantID string) error
	Info(merchantID string) traffic.Info
}

type Devices interface {
	Create(name string) (models.Device, error)
	List() []models.Device
	Connect(ctx context.Context, id, code string) (models.Device, error)
	Disconnect(id string) error
	LinkTrader(id, traderID string) (models.Device, error)
	Reconnectable() []models.Device
	Notify(ctx context.Context, id string, n api.Notification) error
	Running(id string) bool
}

// Notifications produces the payload for a test notification.
type Notifications interface {
	Random() api.Notification
}

type form struct {
	label  string
	back   State
	submit func(ctx context.Context, text string) (string, error)
}

type handler func(c *Console, ctx context.Context, in Intent)

// Console is the interactive operator menu. Screens are rendered from a
// snapshot and every state change goes through Apply.
type Console struct {
	merchants Merchants
	traffic   Traffic
	devices   Devices
	notes     Notifications
	exportDir string
	settings  []Setting
	log       *zap.SugaredLogger
	now       func() time.Time

	state      State
	merchantID string
	pick       Purpose
	methods    []models.PaymentMethod
	quiet      bool
	form       *form
	message    string
}

var handlers = map[State]handler{
	StateMain:         (*Console).onMain,
	StateMerchantList: (*Console).onMerchantList,
	StateMerchant:     (*Console).onMerchant,
	StateMethodList:   (*Console).onMethodList,
	StateDevices:      (*Console).onDevices,
	StateDevicePick:   (*Console).onDevicePick,
	StatePrompt:       (*Console).onPrompt,
}

var parents = map[State]State{
	StateMerchantList:  StateMain,
	StateMerchant:      StateMerchantList,
	StateMethodList:    StateMerchant,
	StateHistory:       StateMerchant,
	StateMerchantStats: StateMerchant,
	StateDevices:       StateMain,
	StateDeviceList:    StateDevices,
	StateDevicePick:    StateDevices,
	StateGlobalStats:   StateMain,
	StateSettings:      StateMain,
}

func New(merchants Merchants, tr Traffic, devices Devices, notes Notifications, exportDir string, settings []Setting, log *zap.SugaredLogger) *Console {
	return &Console{
		merchants: merchants,
		traffic:   tr,
		devices:   devices,
		notes:     notes,
		exportDir: exportDir,
		settings:  settings,
		log:       log,
		now:       time.Now,
		state:     StateMain,
	}
}

func (c *Console) State() State { return c.state }

// Run drives the menu until the operator exits, input ends or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for c.state != StateExit {
		if err := ctx.Err(); err != nil {
			return err
		}
		screen := Render(c.View())
		Print(out, screen)
		if !scanner.Scan() {
			return scanner.Err()
		}
		c.Apply(ctx, Translate(screen, scanner.Text()))
	}
	return nil
}

// View snapshots everything the current screen shows.
func (c *Console) View() View {
	v := View{State: c.state, Message: c.message, Pick: c.pick, Now: c.now()}
	switch c.state {
	case StateMain, StateMerchantList:
		v.Merchants = c.merchants.List()
		v.Devices = c.devices.List()
	case StateMerchant, StateHistory, StateMerchantStats:
		m, err := c.merchants.Get(c.merchantID)
		if err != nil {
			v.Message = err.Error()
			break
		}
		v.Merchant = m
		v.Traffic = c.traffic.Info(m.ID)
		switch c.state {
		case StateHistory:
			v.History = c.merchants.History(m.ID)
		case StateMerchantStats:
			if st, ok := c.merchants.Statistics(m.ID); ok {
				v.Stats = map[string]models.Statistics{m.ID: st}
			}
		}
	case StateMethodList:
		v.Methods = c.methods
	case StateGlobalStats:
		v.Merchants = c.merchants.List()
		v.Stats = make(map[string]models.Statistics, len(v.Merchants))
		for _, m := range v.Merchants {
			if st, ok := c.merchants.Statistics(m.ID); ok {
				v.Stats[m.ID] = st
			}
		}
	case StateDevices, StateDeviceList:
		v.Devices = c.devices.List()
		v.Running = make(map[string]bool, len(v.Devices))
		for _, d := range v.Devices {
			v.Running[d.ID] = c.devices.Running(d.ID)
		}
	case StateDevicePick:
		v.Devices = c.pickable()
	case StateSettings:
		v.Settings = c.settings
	case StatePrompt:
		if c.form != nil {
			v.Prompt = c.form.label
		}
	}
	return v
}

func (c *Console) pickable() []models.Device {
	var out []models.Device
	for _, d := range c.devices.List() {
		switch c.pick {
		case PickConnect:
			if !d.Connected {
				out = append(out, d)
			}
		case PickDisconnect, PickNotify:
			if d.Connected {
				out = append(out, d)
			}
		case PickLink:
			out = append(out, d)
		}
	}
	return out
}

// Apply performs one intent through the current state's handler.
func (c *Console) Apply(ctx context.Context, in Intent) {
	switch in.Kind {
	case IntentQuit:
		c.state = StateExit
		return
	case IntentBack:
		c.message = ""
		c.back()
		return
	case IntentNone:
		c.message = fmt.Sprintf("Unknown choice %q", in.Text)
		return
	}
	c.message = ""
	if h, ok := handlers[c.state]; ok {
		h(c, ctx, in)
	}
}

func (c *Console) back() {
	if c.state == StatePrompt && c.form != nil {
		c.state = c.form.back
		c.form = nil
		return
	}
	if p, ok := parents[c.state]; ok {
		c.state = p
	}
}

func (c *Console) ask(label string, submit func(ctx context.Context, text string) (string, error)) {
	back := c.state
	if c.state == StatePrompt && c.form != nil {
		back = c.form.back
	}
	c.form = &form{label: label, back: back, submit: submit}
	c.state = StatePrompt
}

func (c *Console) fail(what string, err error) {
	c.message = fmt.Sprintf("%s: %v", what, err)
	c.log.Warnw("Console action failed", "action", what, "error", err)
}

func (c *Console) onPrompt(ctx context.Context, in Intent) {
	if in.Kind != IntentSubmitText || c.form == nil {
		return
	}
	f := c.form
	msg, err := f.submit(ctx, in.Text)
	if c.form != f {
		// submit chained another prompt
		if err != nil {
			c.message = err.Error()
		}
		return
	}
	c.form = nil
	c.state = f.back
	if err != nil {
		c.message = err.Error()
		return
	}
	c.message = msg
}

func (c *Console) onMain(ctx context.Context, in Intent) {
	switch in.Action {
	case ActCreateMerchant:
		c.ask("Merchant name", func(ctx context.Context, name string) (string, error) {
			if name == "" {
				return "", errors.New("merchant name is required")
			}
			c.ask("Merchant API key", func(ctx context.Context, key string) (string, error) {
				m, err := c.merchants.Create(ctx, name, key)
				if err != nil {
					return "", fmt.Errorf("create merchant: %w", err)
				}
				return fmt.Sprintf("Created merchant %s (%s)", m.Name, m.ID), nil
			})
			return "", nil
		})
	case ActSelectMerchant:
		if len(c.merchants.List()) == 0 {
			c.message = "No merchants found. Create one first."
			return
		}
		c.state = StateMerchantList
	case ActDevices:
		c.state = StateDevices
	case ActGlobalStats:
		c.state = StateGlobalStats
	case ActSettings:
		c.state = StateSettings
	case ActExit:
		c.state = StateExit
	}
}

func (c *Console) onMerchantList(ctx context.Context, in Intent) {
	if in.Kind != IntentSelect {
		return
	}
	c.merchantID = in.ID
	c.state = StateMerchant
}

func (c *Console) update(fn func(*models.Merchant) error, done string) (string, error) {
	if _, err := c.merchants.Update(c.merchantID, fn); err != nil {
		return "", err
	}
	return done, nil
}

func (c *Console) onMerchant(ctx context.Context, in Intent) {
	id := c.merchantID
	switch in.Action {
	case ActStartTraffic, ActStartQuiet:
		methods, err := c.merchants.AvailableMethods(ctx, id)
		if err != nil {
			c.fail("Failed to get payment methods", err)
			return
		}
		if len(methods) == 0 {
			c.message = "No payment methods available for this merchant"
			return
		}
		c.methods = methods
		c.quiet = in.Action == ActStartQuiet
		c.state = StateMethodList

	case ActStopTraffic:
		if err := c.traffic.Stop(id); err != nil {
			c.fail("Failed to stop traffic", err)
			return
		}
		if _, err := c.merchants.Update(id, func(m *models.Merchant) error {
			m.Traffic.Enabled = false
			return nil
		}); err != nil {
			c.fail("Failed to save merchant", err)
			return
		}
		c.message = "Traffic generation stopping"

	case ActViewLogs:
		info := c.traffic.Info(id)
		switch {
		case !info.Running:
			c.message = "No active traffic for this merchant"
		case info.Quiet:
			c.message = "Traffic is running in quiet mode. No logs available."
		default:
			c.message = fmt.Sprintf("Follow the log stream with: logs %s", id)
		}

	case ActInterval:
		c.ask("Interval and variance in ms, e.g. 5000 1000", func(ctx context.Context, text string) (string, error) {
			interval, variance, err := parseInterval(text)
			if err != nil {
				return "", err
			}
			return c.update(func(m *models.Merchant) error {
				m.Traffic.IntervalMS = interval
				m.Traffic.VarianceMS = variance
				return nil
			}, "Traffic interval updated")
		})

	case ActCap:
		c.ask("Max transactions (empty for unlimited)", func(ctx context.Context, text string) (string, error) {
			var limit *uint64
			if text != "" {
				n, err := strconv.ParseUint(text, 10, 64)
				if err != nil || n == 0 {
					return "", fmt.Errorf("invalid transaction limit %q", text)
				}
				limit = &n
			}
			return c.update(func(m *models.Merchant) error {
				m.Traffic.MaxTransactions = limit
				return nil
			}, "Transaction limit updated")
		})

	case ActResetTraffic:
		msg, err := c.update(func(m *models.Merchant) error {
			m.Traffic = models.DefaultTrafficConfig()
			return nil
		}, "Traffic config reset to defaults")
		if err != nil {
			c.fail("Failed to reset traffic config", err)
			return
		}
		c.message = msg

	case ActViewHistory:
		c.state = StateHistory
	case ActViewStats:
		c.state = StateMerchantStats

	case ActExport:
		historyPath, statsPath, err := c.merchants.Export(id, c.exportDir)
		if err != nil {
			c.fail("Export failed", err)
			return
		}
		c.message = fmt.Sprintf("Exported history to %s and statistics to %s", historyPath, statsPath)

	case ActCallbackURL:
		c.ask("Callback URL", func(ctx context.Context, text string) (string, error) {
			return c.update(func(m *models.Merchant) error {
				m.CallbackURL = text
				return nil
			}, "Callback URL updated")
		})

	case ActTogglePayment:
		m, err := c.merchants.Get(id)
		if err != nil {
			c.fail("Failed to load merchant", err)
			return
		}
		if m.PaymentType == models.PaymentUSDTTRC20 {
			msg, err := c.update(func(m *models.Merchant) error {
				m.PaymentType = models.PaymentRUB
				m.Rate = nil
				return nil
			}, "Payment type changed to RUB")
			if err != nil {
				c.fail("Failed to change payment type", err)
				return
			}
			c.message = msg
			return
		}
		c.ask(fmt.Sprintf("USDT/RUB rate (empty for %v)", models.DefaultUSDTRate), func(ctx context.Context, text string) (string, error) {
			rate := models.DefaultUSDTRate
			if text != "" {
				r, err := strconv.ParseFloat(text, 64)
				if err != nil || r <= 0 {
					return "", fmt.Errorf("invalid rate %q", text)
				}
				rate = r
			}
			return c.update(func(m *models.Merchant) error {
				m.PaymentType = models.PaymentUSDTTRC20
				m.Rate = &rate
				return nil
			}, "Payment type changed to USDT_TRC20")
		})

	case ActLiquidity:
		c.ask("Liquidity percentage (0-100)", func(ctx context.Context, text string) (string, error) {
			pct, err := strconv.ParseFloat(text, 64)
			if err != nil || pct < 0 || pct > 100 {
				return "", fmt.Errorf("invalid percentage %q", text)
			}
			return c.update(func(m *models.Merchant) error {
				m.LiquidityPct = pct
				return nil
			}, fmt.Sprintf("Liquidity set to %v%%", pct))
		})

	case ActRefreshBalance:
		balance, err := c.merchants.RefreshBalance(ctx, id)
		if err != nil {
			c.fail("Failed to refresh balance", err)
			return
		}
		c.message = fmt.Sprintf("Balance: %v USDT", balance)
	}
}

func parseInterval(text string) (uint64, uint64, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, 0, fmt.Errorf("expected interval and optional variance, got %q", text)
	}
	interval, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil || interval == 0 {
		return 0, 0, fmt.Errorf("invalid interval %q", fields[0])
	}
	var variance uint64
	if len(fields) == 2 {
		if variance, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
			return 0, 0, fmt.Errorf("invalid variance %q", fields[1])
		}
	}
	return interval, variance, nil
}

func (c *Console) onMethodList(ctx context.Context, in Intent) {
	if in.Kind != IntentSelect {
		return
	}
	id := c.merchantID
	if _, err := c.merchants.Update(id, func(m *models.Merchant) error {
		m.Traffic.Enabled = true
		return nil
	}); err != nil {
		c.fail("Failed to save merchant", err)
		return
	}
	c.state = StateMerchant
	if err := c.traffic.Start(id, in.ID, c.quiet); err != nil {
		c.fail("Failed to start traffic", err)
		return
	}
	if c.quiet {
		c.message = "Traffic generation started (quiet mode)"
	} else {
		c.message = "Traffic generation started (with logs)"
	}
}

func (c *Console) onDevices(ctx context.Context, in Intent) {
	switch in.Action {
	case ActCreateDevice:
		c.ask("Device name (empty for \""+defaultDeviceName+"\")", func(ctx context.Context, name string) (string, error) {
			if name == "" {
				name = defaultDeviceName
			}
			d, err := c.devices.Create(name)
			if err != nil {
				return "", fmt.Errorf("create device: %w", err)
			}
			return fmt.Sprintf("Created device %s (%s)", d.Name, d.ID), nil
		})
	case ActListDevices:
		c.state = StateDeviceList
	case ActConnectDevice:
		c.pickDevice(PickConnect)
	case ActDisconnectDevice:
		c.pickDevice(PickDisconnect)
	case ActSendNotification:
		c.pickDevice(PickNotify)
	case ActLinkTrader:
		c.pickDevice(PickLink)
	case ActConnectAll:
		c.connectAll(ctx)
	}
}

func (c *Console) pickDevice(p Purpose) {
	c.pick = p
	c.state = StateDevicePick
}

func (c *Console) connectAll(ctx context.Context) {
	devices := c.devices.Reconnectable()
	if len(devices) == 0 {
		c.message = "No disconnected devices with saved codes"
		return
	}
	ok, failed := 0, 0
	for _, d := range devices {
		if _, err := c.devices.Connect(ctx, d.ID, d.DeviceCode); err != nil {
			failed++
			c.log.Warnw("Reconnect failed", "device_id", d.ID, "error", err)
			continue
		}
		ok++
	}
	c.message = fmt.Sprintf("Connected: %d  Failed: %d", ok, failed)
}

func (c *Console) onDevicePick(ctx context.Context, in Intent) {
	if in.Kind != IntentSelect {
		return
	}
	id := in.ID
	switch c.pick {
	case PickConnect:
		saved := ""
		for _, d := range c.devices.List() {
			if d.ID == id {
				saved = d.DeviceCode
			}
		}
		label := "Device code"
		if saved != "" {
			label = "Device code (empty to reuse " + saved + ")"
		}
		c.ask(label, func(ctx context.Context, code string) (string, error) {
			if code == "" {
				code = saved
			}
			d, err := c.devices.Connect(ctx, id, code)
			if err != nil {
				return "", fmt.Errorf("connect device: %w", err)
			}
			return fmt.Sprintf("Device %s connected", d.Name), nil
		})
		c.form.back = StateDevices
	case PickDisconnect:
		c.state = StateDevices
		if err := c.devices.Disconnect(id); err != nil {
			c.fail("Failed to disconnect device", err)
			return
		}
		c.message = "Device disconnected"
	case PickNotify:
		c.state = StateDevices
		n := c.notes.Random()
		if err := c.devices.Notify(ctx, id, n); err != nil {
			c.fail("Failed to send notification", err)
			return
		}
		c.message = fmt.Sprintf("Sent %q from %s", n.Title, n.AppName)
	case PickLink:
		c.ask("Trader ID (empty to unlink)", func(ctx context.Context, traderID string) (string, error) {
			d, err := c.devices.LinkTrader(id, traderID)
			if err != nil {
				return "", fmt.Errorf("link device: %w", err)
			}
			if d.TraderID == "" {
				return fmt.Sprintf("Device %s unlinked", d.Name), nil
			}
			return fmt.Sprintf("Device %s linked to trader %s", d.Name, d.TraderID), nil
		})
		c.form.back = StateDevices
	}
}
