package console

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payment_emulator/models"
	"payment_emulator/traffic"
)

// State is the screen the console is on.
type State int

const (
	StateMain State = iota
	StateMerchantList
	StateMerchant
	StateMethodList
	StateHistory
	StateMerchantStats
	StateDevices
	StateDeviceList
	StateDevicePick
	StateGlobalStats
	StateSettings
	StatePrompt
	StateExit
)

var stateNames = map[State]string{
	StateMain:          "main",
	StateMerchantList:  "merchant-list",
	StateMerchant:      "merchant",
	StateMethodList:    "method-list",
	StateHistory:       "history",
	StateMerchantStats: "merchant-stats",
	StateDevices:       "devices",
	StateDeviceList:    "device-list",
	StateDevicePick:    "device-pick",
	StateGlobalStats:   "global-stats",
	StateSettings:      "settings",
	StatePrompt:        "prompt",
	StateExit:          "exit",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Action string

const (
	ActCreateMerchant Action = "create-merchant"
	ActSelectMerchant Action = "select-merchant"
	ActDevices        Action = "devices"
	ActGlobalStats    Action = "global-stats"
	ActSettings       Action = "settings"
	ActExit           Action = "exit"

	ActStartTraffic   Action = "start-traffic"
	ActStartQuiet     Action = "start-traffic-quiet"
	ActStopTraffic    Action = "stop-traffic"
	ActViewLogs       Action = "view-logs"
	ActInterval       Action = "set-interval"
	ActCap            Action = "set-cap"
	ActResetTraffic   Action = "reset-traffic"
	ActViewHistory    Action = "view-history"
	ActViewStats      Action = "view-stats"
	ActExport         Action = "export"
	ActCallbackURL    Action = "set-callback-url"
	ActTogglePayment  Action = "toggle-payment-type"
	ActLiquidity      Action = "set-liquidity"
	ActRefreshBalance Action = "refresh-balance"

	ActCreateDevice     Action = "create-device"
	ActListDevices      Action = "list-devices"
	ActConnectDevice    Action = "connect-device"
	ActConnectAll       Action = "connect-all"
	ActDisconnectDevice Action = "disconnect-device"
	ActSendNotification Action = "send-notification"
	ActLinkTrader       Action = "link-trader"
)

// Purpose says what a device picked from StateDevicePick is for.
type Purpose int

const (
	PickConnect Purpose = iota
	PickDisconnect
	PickNotify
	PickLink
)

type IntentKind int

const (
	IntentNone IntentKind = iota
	IntentNavigate
	IntentSelect
	IntentBack
	IntentSubmitText
	IntentQuit
)

// Intent is what the operator asked for. It carries no state changes itself.
type Intent struct {
	Kind   IntentKind
	Action Action
	ID     string
	Text   string
}

// Option is one numbered choice. Menu entries set Action, entity pickers set ID.
type Option struct {
	Key    string
	Label  string
	Action Action
	ID     string
}

type Screen struct {
	Title   string
	Lines   []string
	Options []Option
	Prompt  string
	Message string
}

// Setting is one read-only line on the settings screen.
type Setting struct {
	Name  string
	Value string
}

// View is the read-only snapshot a screen is rendered from.
type View struct {
	State     State
	Message   string
	Prompt    string
	Merchants []models.Merchant
	Merchant  models.Merchant
	Traffic   traffic.Info
	Methods   []models.PaymentMethod
	History   []models.TransactionHistory
	Stats     map[string]models.Statistics
	Devices   []models.Device
	Running   map[string]bool
	Pick      Purpose
	Settings  []Setting
	Now       time.Time
}

const historyLimit = 10

var renderers = map[State]func(View) Screen{
	StateMain:          renderMain,
	StateMerchantList:  renderMerchantList,
	StateMerchant:      renderMerchant,
	StateMethodList:    renderMethodList,
	StateHistory:       renderHistory,
	StateMerchantStats: renderMerchantStats,
	StateDevices:       renderDevices,
	StateDeviceList:    renderDeviceList,
	StateDevicePick:    renderDevicePick,
	StateGlobalStats:   renderGlobalStats,
	StateSettings:      renderSettings,
	StatePrompt:        renderPrompt,
}

// Render builds the screen for v. It has no side effects.
func Render(v View) Screen {
	r, ok := renderers[v.State]
	if !ok {
		return Screen{Title: "Goodbye", Message: v.Message}
	}
	s := r(v)
	s.Message = v.Message
	return s
}

// Translate maps one input line to an intent against the screen it answers.
func Translate(s Screen, input string) Intent {
	in := strings.TrimSpace(input)
	if s.Prompt != "" {
		switch in {
		case ":back":
			return Intent{Kind: IntentBack}
		case ":quit":
			return Intent{Kind: IntentQuit}
		}
		return Intent{Kind: IntentSubmitText, Text: in}
	}

	switch strings.ToLower(in) {
	case "b", "back":
		return Intent{Kind: IntentBack}
	case "q", "quit":
		return Intent{Kind: IntentQuit}
	}
	for _, o := range s.Options {
		if o.Key != in {
			continue
		}
		if o.ID != "" {
			return Intent{Kind: IntentSelect, ID: o.ID}
		}
		return Intent{Kind: IntentNavigate, Action: o.Action}
	}
	return Intent{Kind: IntentNone, Text: in}
}

// Print writes s in plain text.
func Print(w io.Writer, s Screen) {
	fmt.Fprintf(w, "\n%s\n%s\n", s.Title, strings.Repeat("-", len([]rune(s.Title))))
	for _, l := range s.Lines {
		fmt.Fprintln(w, l)
	}
	if s.Message != "" {
		fmt.Fprintf(w, "\n%s\n", s.Message)
	}
	if s.Prompt != "" {
		fmt.Fprintf(w, "\n%s (:back to cancel)\n> ", s.Prompt)
		return
	}
	if len(s.Options) > 0 {
		fmt.Fprintln(w)
	}
	for _, o := range s.Options {
		fmt.Fprintf(w, "  %s) %s\n", o.Key, o.Label)
	}
	fmt.Fprint(w, "\n  b) back  q) quit\n> ")
}

func menu(items ...Option) []Option {
	for i := range items {
		items[i].Key = fmt.Sprint(i + 1)
	}
	return items
}

func renderMain(v View) Screen {
	return Screen{
		Title: "Payment Emulator",
		Lines: []string{fmt.Sprintf("Merchants: %d  Devices: %d", len(v.Merchants), len(v.Devices))},
		Options: menu(
			Option{Label: "Create merchant", Action: ActCreateMerchant},
			Option{Label: "Select merchant", Action: ActSelectMerchant},
			Option{Label: "Device emulator", Action: ActDevices},
			Option{Label: "Global statistics", Action: ActGlobalStats},
			Option{Label: "Settings", Action: ActSettings},
			Option{Label: "Exit", Action: ActExit},
		),
	}
}

func renderMerchantList(v View) Screen {
	s := Screen{Title: "Select merchant"}
	if len(v.Merchants) == 0 {
		s.Lines = []string{"No merchants yet."}
	}
	for i, m := range v.Merchants {
		s.Options = append(s.Options, Option{
			Key:   fmt.Sprint(i + 1),
			Label: fmt.Sprintf("%s (%s)", m.Name, m.PaymentType),
			ID:    m.ID,
		})
	}
	return s
}

func trafficLabel(info traffic.Info) string {
	switch {
	case info.Running && info.Quiet:
		return "running (quiet)"
	case info.Running:
		return "running"
	default:
		return "stopped"
	}
}

func renderMerchant(v View) Screen {
	m := v.Merchant
	cfg := m.Traffic
	limit := "unlimited"
	if cfg.MaxTransactions != nil {
		limit = fmt.Sprint(*cfg.MaxTransactions)
	}
	lines := []string{
		fmt.Sprintf("%s  id %s", m.Name, m.ID),
		fmt.Sprintf("Balance: %s USDT  Liquidity: %v%%  Payment type: %s  Rate: %v",
			decimal.NewFromFloat(m.BalanceUSDT).StringFixed(2), m.LiquidityPct, m.PaymentType, m.EffectiveRate()),
		fmt.Sprintf("Traffic: %s  interval %d ms (±%d)  limit %s  created %d",
			trafficLabel(v.Traffic), cfg.IntervalMS, cfg.VarianceMS, limit, cfg.CreatedCount),
	}
	if m.CallbackURL != "" {
		lines = append(lines, "Callback: "+m.CallbackURL)
	}

	var opts []Option
	if v.Traffic.Running {
		opts = append(opts, Option{Label: "Stop traffic", Action: ActStopTraffic})
		if !v.Traffic.Quiet {
			opts = append(opts, Option{Label: "View traffic logs", Action: ActViewLogs})
		}
	} else {
		opts = append(opts,
			Option{Label: "Start traffic (with logs)", Action: ActStartTraffic},
			Option{Label: "Start traffic (quiet)", Action: ActStartQuiet},
		)
	}
	opts = append(opts,
		Option{Label: "Set interval and variance", Action: ActInterval},
		Option{Label: "Set transaction limit", Action: ActCap},
		Option{Label: "Reset traffic config", Action: ActResetTraffic},
		Option{Label: "View transactions", Action: ActViewHistory},
		Option{Label: "View statistics", Action: ActViewStats},
		Option{Label: "Export data", Action: ActExport},
		Option{Label: "Set callback URL", Action: ActCallbackURL},
		Option{Label: "Toggle payment type (RUB/USDT)", Action: ActTogglePayment},
		Option{Label: "Set liquidity percentage", Action: ActLiquidity},
		Option{Label: "Refresh balance", Action: ActRefreshBalance},
	)
	return Screen{Title: "Merchant", Lines: lines, Options: menu(opts...)}
}

func renderMethodList(v View) Screen {
	s := Screen{Title: "Select payment method"}
	for i, pm := range v.Methods {
		s.Options = append(s.Options, Option{
			Key:   fmt.Sprint(i + 1),
			Label: fmt.Sprintf("%s - %s (%s)", pm.Code, pm.Name, pm.Type),
			ID:    pm.ID,
		})
	}
	return s
}

func renderHistory(v View) Screen {
	s := Screen{Title: "Last transactions: " + v.Merchant.Name}
	if len(v.History) == 0 {
		s.Lines = []string{"No transactions found."}
		return s
	}
	n := 0
	for i := len(v.History) - 1; i >= 0 && n < historyLimit; i-- {
		h := v.History[i]
		n++
		status := string(h.Transaction.Status)
		if h.Failed() {
			status = "failed: " + h.Error
		}
		s.Lines = append(s.Lines, fmt.Sprintf("%2d. %s  %s  %s",
			n, h.Request.OrderID, decimal.NewFromFloat(h.Request.Amount).StringFixed(2), status))
	}
	return s
}

func statsLines(st models.Statistics) []string {
	lines := []string{
		fmt.Sprintf("Requests: %d (success %d, failed %d)", st.TotalRequests, st.SuccessfulRequests, st.FailedRequests),
		fmt.Sprintf("Success rate: %.2f%%", st.SuccessRate()),
		fmt.Sprintf("Total amount: %s RUB", st.TotalAmount.StringFixed(2)),
		fmt.Sprintf("Callbacks: %d  Liquid: %d  Non-liquid: %d", st.CallbacksReceived, st.LiquidTransactions, st.NonLiquidTransactions),
	}
	for _, k := range sortedKeys(st.ErrorBreakdown) {
		lines = append(lines, fmt.Sprintf("  error %s: %d", k, st.ErrorBreakdown[k]))
	}
	for _, k := range sortedKeys(st.StatusBreakdown) {
		lines = append(lines, fmt.Sprintf("  status %s: %d", k, st.StatusBreakdown[k]))
	}
	return lines
}

func renderMerchantStats(v View) Screen {
	s := Screen{Title: "Statistics: " + v.Merchant.Name}
	st, ok := v.Stats[v.Merchant.ID]
	if !ok {
		s.Lines = []string{"No statistics available."}
		return s
	}
	s.Lines = statsLines(st)
	return s
}

func renderGlobalStats(v View) Screen {
	s := Screen{Title: "Global statistics"}
	var total models.Statistics
	for _, m := range v.Merchants {
		st, ok := v.Stats[m.ID]
		if !ok {
			continue
		}
		s.Lines = append(s.Lines, fmt.Sprintf("%s: %d requests (success %d, failed %d), %s RUB",
			m.Name, st.TotalRequests, st.SuccessfulRequests, st.FailedRequests, st.TotalAmount.StringFixed(2)))
		total.TotalRequests += st.TotalRequests
		total.SuccessfulRequests += st.SuccessfulRequests
		total.FailedRequests += st.FailedRequests
		total.TotalAmount = total.TotalAmount.Add(st.TotalAmount)
	}
	if len(s.Lines) == 0 {
		s.Lines = []string{"No statistics available."}
		return s
	}
	s.Lines = append(s.Lines, "",
		fmt.Sprintf("Totals: %d requests (success %d, failed %d)", total.TotalRequests, total.SuccessfulRequests, total.FailedRequests),
		fmt.Sprintf("Success rate: %.2f%%", total.SuccessRate()),
		fmt.Sprintf("Total amount: %s RUB", total.TotalAmount.StringFixed(2)),
	)
	return s
}

func renderDevices(v View) Screen {
	connected := 0
	for _, d := range v.Devices {
		if d.Connected {
			connected++
		}
	}
	return Screen{
		Title: "Device emulator",
		Lines: []string{fmt.Sprintf("Devices: %d  Connected: %d", len(v.Devices), connected)},
		Options: menu(
			Option{Label: "Create device", Action: ActCreateDevice},
			Option{Label: "List devices", Action: ActListDevices},
			Option{Label: "Connect device", Action: ActConnectDevice},
			Option{Label: "Connect all saved devices", Action: ActConnectAll},
			Option{Label: "Disconnect device", Action: ActDisconnectDevice},
			Option{Label: "Send test notification", Action: ActSendNotification},
			Option{Label: "Link device to trader", Action: ActLinkTrader},
		),
	}
}

func deviceLine(d models.Device, running bool, now time.Time) string {
	status := "disconnected"
	if d.Connected {
		status = "connected"
	}
	if running {
		status += ", polling"
	}
	line := fmt.Sprintf("%s (%s)  %s  battery %d%%  %s", d.Name, d.ID, status, d.BatteryLevel, d.NetworkInfo)
	if d.TraderID != "" {
		line += "  trader " + d.TraderID
	}
	if d.LastActiveAt != nil && !now.IsZero() {
		line += fmt.Sprintf("  active %s ago", now.Sub(*d.LastActiveAt).Truncate(time.Second))
	}
	return line
}

func renderDeviceList(v View) Screen {
	s := Screen{Title: "Devices"}
	if len(v.Devices) == 0 {
		s.Lines = []string{"No devices found."}
	}
	for _, d := range v.Devices {
		s.Lines = append(s.Lines, deviceLine(d, v.Running[d.ID], v.Now))
	}
	return s
}

var pickTitles = map[Purpose]string{
	PickConnect:    "Select device to connect",
	PickDisconnect: "Select device to disconnect",
	PickNotify:     "Select device to notify",
	PickLink:       "Select device to link",
}

func renderDevicePick(v View) Screen {
	s := Screen{Title: pickTitles[v.Pick]}
	if len(v.Devices) == 0 {
		s.Lines = []string{"No matching devices."}
	}
	for i, d := range v.Devices {
		s.Options = append(s.Options, Option{
			Key:   fmt.Sprint(i + 1),
			Label: fmt.Sprintf("%s (%s)", d.Name, d.ID),
			ID:    d.ID,
		})
	}
	return s
}

func renderSettings(v View) Screen {
	s := Screen{Title: "Settings"}
	for _, st := range v.Settings {
		s.Lines = append(s.Lines, fmt.Sprintf("%s: %s", st.Name, st.Value))
	}
	return s
}

func renderPrompt(v View) Screen {
	return Screen{Title: "Input", Prompt: v.Prompt}
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
