package services

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"sorte-pix-app/internal/models"
	"sorte-pix-app/internal/pricing"
)

// ticketsInMessage caps how many ticket numbers go into one notification.
const ticketsInMessage = 10

// Telegram sends sale notifications to the admin chat. The chat can be set
// up front or registered by sending /start to the bot.
type Telegram struct {
	bot *tgbotapi.BotAPI

	mu          sync.RWMutex
	adminChatID int64
}

func NewTelegram(token string, adminChatID int64) (*Telegram, error) {
	return NewTelegramWithEndpoint(token, tgbotapi.APIEndpoint, &http.Client{Timeout: 10 * time.Second}, adminChatID)
}

// NewTelegramWithEndpoint talks to a Bot API at endpoint, a format string
// taking the token and the method name.
func NewTelegramWithEndpoint(token, endpoint string, client *http.Client, adminChatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, err
	}
	log.Printf("Bot autorizado na conta %s", bot.Self.UserName)

	return &Telegram{bot: bot, adminChatID: adminChatID}, nil
}

func (t *Telegram) AdminChatID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.adminChatID
}

// Listen reads bot updates until ctx is done.
func (t *Telegram) Listen(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		t.bot.StopReceivingUpdates()
	}()

	for update := range updates {
		t.handleUpdate(update)
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}

	switch update.Message.Command() {
	case "start":
		chatID := update.Message.Chat.ID
		t.mu.Lock()
		t.adminChatID = chatID
		t.mu.Unlock()

		t.send(chatID, fmt.Sprintf("Olá Admin! Seu ID foi registrado: %d. Agora você receberá as vendas aqui.", chatID))
		log.Printf("Admin Chat ID registrado: %d", chatID)
	}
}

func (t *Telegram) NotifyAdmin(text string) {
	chatID := t.AdminChatID()
	if chatID == 0 {
		log.Println("AdminChatID desconhecido, notificação descartada")
		return
	}
	t.send(chatID, text)
}

func (t *Telegram) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		log.Printf("Erro enviando notificação: %v", err)
	}
}

// PurchaseConfirmed implements checkout.Notifier.
func (t *Telegram) PurchaseConfirmed(p models.Purchase, tickets []string) {
	t.NotifyAdmin(PurchaseMessage(p, tickets))
}

// PurchaseMessage is the admin text for a paid purchase.
func PurchaseMessage(p models.Purchase, tickets []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎟️ Nova venda confirmada: %s\n", p.ID)
	fmt.Fprintf(&b, "👤 Cliente: %s <%s>\n", p.Name, p.Email)
	fmt.Fprintf(&b, "🔢 Títulos: %d\n", p.Quantity)
	fmt.Fprintf(&b, "💰 Valor: %s\n", pricing.FormatBRL(p.Amount))
	if p.TransactionID != "" {
		fmt.Fprintf(&b, "💳 Transação: %s\n", p.TransactionID)
	}

	if len(tickets) > 0 {
		shown := tickets
		if len(shown) > ticketsInMessage {
			shown = shown[:ticketsInMessage]
		}
		fmt.Fprintf(&b, "\nNúmeros: %s", strings.Join(shown, ", "))
		if rest := len(tickets) - len(shown); rest > 0 {
			fmt.Fprintf(&b, " e mais %d", rest)
		}
	}
	return b.String()
}

// Noop drops every notification. Used when no bot token is configured.
type Noop struct{}

func (Noop) PurchaseConfirmed(p models.Purchase, _ []string) {
	log.Printf("[CHECKOUT] Purchase %s confirmed (no notifier configured)", p.ID)
}
