// Package notify builds simulated phone notifications and pushes them to
// connected devices.
package notify

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"payment_emulator/api"
)

const (
	CategoryTransaction = "transaction"
	CategoryMessage     = "msg"
	CategoryEmail       = "email"
	CategorySystem      = "system"
)

type bankProfile struct {
	name    string
	pkg     string
	app     string
	aliases []string
	format  func(amount float64, card string, balance int) string
}

var banks = []bankProfile{
	{
		name: "Сбербанк", pkg: "ru.sberbankmobile", app: "900",
		aliases: []string{"sber", "sberbank"},
		format: func(amount float64, card string, balance int) string {
			return fmt.Sprintf("СЧЁТ*%s %s зачислен перевод по СБП %.0fр из ТИНЬКОФФ БАНК Иван Иванов Баланс: %dр",
				card, time.Now().Format("15:04"), amount, balance)
		},
	},
	{
		name: "Тинькофф", pkg: "com.idamob.tinkoff.android", app: "T-Bank",
		aliases: []string{"tinkoff", "tbank"},
		format: func(amount float64, card string, balance int) string {
			return fmt.Sprintf("Пополнение, счет RUB. %.2f RUB. Петров П. Доступно %d RUB", amount, balance)
		},
	},
	{
		name: "ВТБ", pkg: "ru.vtb24.mobilebanking.android", app: "VTB",
		aliases: []string{"vtb"},
		format: func(amount float64, card string, balance int) string {
			return fmt.Sprintf("Поступление %.0fр Счет*%s SBP Баланс %dр %s", amount, card, balance, time.Now().Format("15:04"))
		},
	},
	{
		name: "Альфа-Банк", pkg: "ru.alfabank.mobile.android", app: "Alfa-Bank",
		aliases: []string{"alfa", "alfabank"},
		format: func(amount float64, card string, balance int) string {
			return fmt.Sprintf("Пополнение *%s на %.2f RUR Баланс: %d RUR", card, amount, balance)
		},
	},
	{
		name: "Газпромбанк", pkg: "ru.gazprombank.android.mobilebank.app", app: "Gazprombank",
		aliases: []string{"gazprom", "gazprombank"},
		format: func(amount float64, card string, balance int) string {
			return fmt.Sprintf("*%s Получен перевод %.0fр SBP C2C ZACHISLENIE Доступно %dр", card, amount, balance)
		},
	},
}

// Generator produces notifications. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewGenerator(rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{rng: rng}
}

func (g *Generator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Intn(n)
}

func pick[T any](g *Generator, items []T) T {
	return items[g.intn(len(items))]
}

// Bank builds a top-up notification for bank, matched by display name or by
// a backend bank type such as "sber". Unknown banks get a generic SMS.
func (g *Generator) Bank(bank string, amount float64, cardSuffix string) api.Notification {
	if cardSuffix == "" {
		cardSuffix = fmt.Sprintf("%04d", 1000+g.intn(9000))
	}
	balance := 10000 + g.intn(190000)

	n := api.Notification{
		Timestamp: time.Now().UnixMilli(),
		Priority:  2,
		Category:  CategoryTransaction,
	}
	if p, ok := lookupBank(bank); ok {
		n.PackageName = p.pkg
		n.AppName = p.app
		n.Title = p.app
		n.Content = p.format(amount, cardSuffix, balance)
		return n
	}

	if bank == "" {
		bank = "Банк"
	}
	n.PackageName = "com.android.messaging"
	n.AppName = bank
	n.Title = bank
	n.Content = fmt.Sprintf("Пополнение на сумму %.2f руб. Карта *%s", amount, cardSuffix)
	return n
}

func lookupBank(bank string) (bankProfile, bool) {
	key := strings.ToLower(strings.TrimSpace(bank))
	for _, p := range banks {
		if strings.ToLower(p.name) == key || strings.ToLower(p.app) == key {
			return p, true
		}
		for _, a := range p.aliases {
			if a == key {
				return p, true
			}
		}
	}
	return bankProfile{}, false
}

// Random returns a notification of a random category.
func (g *Generator) Random() api.Notification {
	n := api.Notification{Timestamp: time.Now().UnixMilli()}

	switch g.intn(5) {
	case 0:
		n.PackageName, n.AppName, n.Category, n.Priority = "com.android.messaging", "Сообщения", CategoryMessage, 1
		n.Title = pick(g, []string{"900", "+79001234567", "BANK", "INFO"})
		n.Content = pick(g, []string{
			"Ваш код подтверждения: 1234",
			"Перевод 5000 руб. от Иван И.",
			"Баланс карты *1234: 12 345 руб.",
			"Платеж на 1500 руб. успешно проведен",
		})
	case 1:
		p := pick(g, banks)
		n = g.Bank(p.name, float64(100+g.intn(49900)), "")
		n.Priority = 1
	case 2:
		app := pick(g, [][2]string{
			{"com.whatsapp", "WhatsApp"},
			{"org.telegram.messenger", "Telegram"},
			{"com.viber.voip", "Viber"},
		})
		n.PackageName, n.AppName, n.Category, n.Priority = app[0], app[1], CategoryMessage, 1
		n.Title = pick(g, []string{"Мама", "Работа", "Друг", "Доставка"})
		n.Content = pick(g, []string{"Привет! Как дела?", "Отправил документы", "Жду ответа", "Спасибо!"})
	case 3:
		app := pick(g, [][2]string{
			{"com.google.android.gm", "Gmail"},
			{"ru.mail.mailapp", "Почта Mail.ru"},
			{"ru.yandex.mail", "Яндекс.Почта"},
		})
		n.PackageName, n.AppName, n.Category = app[0], app[1], CategoryEmail
		n.Title = pick(g, []string{"Подтверждение заказа", "Новое сообщение", "Важное уведомление", "Счет на оплату"})
		n.Content = "У вас новое письмо"
	default:
		sys := pick(g, [][3]string{
			{"android", "Android System", "Обновление системы доступно"},
			{"com.android.vending", "Google Play", "2 приложения обновлено"},
			{"com.android.systemui", "Система", "Батарея разряжена (15%)"},
		})
		n.PackageName, n.AppName, n.Title, n.Content, n.Category = sys[0], sys[1], sys[1], sys[2], CategorySystem
	}
	return n
}
