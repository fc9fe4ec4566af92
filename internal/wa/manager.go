package wa

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// StatusStore receives account lifecycle updates driven by connection events.
type StatusStore interface {
	SetAccountActive(id string, active bool) error
}

// Manager owns the whatsmeow clients for WhatsApp-connected accounts, one
// client per account id.
type Manager struct {
	Container *sqlstore.Container
	Store     StatusStore

	mu      sync.Mutex
	clients map[string]*whatsmeow.Client

	pairingMu     sync.Mutex
	pairingActive map[string]bool

	log       zerolog.Logger
	clientLog waLog.Logger
}

func NewManager(ctx context.Context, dsn string, store StatusStore, logger zerolog.Logger) (*Manager, error) {
	dbLog := waLog.Stdout("Database", "INFO", true)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Container:     container,
		Store:         store,
		clients:       make(map[string]*whatsmeow.Client),
		pairingActive: make(map[string]bool),
		log:           logger,
		clientLog:     waLog.Stdout("WhatsApp", "INFO", true),
	}, nil
}

func (m *Manager) ensureClient(accountID string) *whatsmeow.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[accountID]; ok {
		return c
	}
	device := m.Container.NewDevice()
	client := whatsmeow.NewClient(device, m.clientLog)

	client.AddEventHandler(func(evt interface{}) {
		switch evt.(type) {
		case *events.Connected:
			_ = m.Store.SetAccountActive(accountID, true)
		case *events.LoggedOut, *events.StreamReplaced:
			_ = m.Store.SetAccountActive(accountID, false)
		}
	})

	m.clients[accountID] = client
	return client
}

// StartPairing begins QR pairing for an account and returns the QR code PNG
// plus the raw code.
func (m *Manager) StartPairing(ctx context.Context, accountID string) ([]byte, string, error) {
	client := m.ensureClient(accountID)
	if client.Store.ID != nil {
		return nil, "", fmt.Errorf("already paired")
	}

	// Connect only once per account while pairing is in flight.
	m.pairingMu.Lock()
	if !m.pairingActive[accountID] {
		m.log.Info().Str("account", accountID).Msg("pairing: connecting")
		m.pairingActive[accountID] = true
		go func() {
			if err := client.Connect(); err != nil {
				m.log.Error().Err(err).Str("account", accountID).Msg("pairing: connect failed")
			}
		}()
	}
	m.pairingMu.Unlock()

	// Background context keeps the QR websocket alive after the HTTP handler
	// returns.
	qrChan, _ := client.GetQRChannel(context.Background())
	for {
		select {
		case item, ok := <-qrChan:
			if !ok {
				return nil, "", fmt.Errorf("qr channel closed")
			}
			if item.Event == "code" && item.Code != "" {
				png, err := qrcode.Encode(item.Code, qrcode.Medium, 256)
				if err != nil {
					return nil, "", err
				}
				return png, item.Code, nil
			}
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

// RequestPairingCode generates a phone-number pairing code for the account.
func (m *Manager) RequestPairingCode(ctx context.Context, accountID, msisdn string) (string, error) {
	client := m.ensureClient(accountID)
	if client.Store.ID != nil {
		return "", fmt.Errorf("already paired")
	}
	if msisdn == "" {
		return "", fmt.Errorf("msisdn required")
	}

	m.pairingMu.Lock()
	if !m.pairingActive[accountID] {
		m.pairingActive[accountID] = true
		go func() {
			if err := client.Connect(); err != nil {
				m.log.Error().Err(err).Str("account", accountID).Msg("pairing: connect failed")
			}
		}()
	}
	m.pairingMu.Unlock()

	qrChan, _ := client.GetQRChannel(context.Background())

	// Wait for the socket to come up before PairPhone.
	select {
	case <-qrChan:
	case <-time.After(1 * time.Second):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	code, err := client.PairPhone(ctx, msisdn, false, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", err
	}
	return code, nil
}

// ConnectIfPaired connects the client when the account has completed pairing.
func (m *Manager) ConnectIfPaired(accountID string) error {
	client := m.ensureClient(accountID)
	if client.Store.ID == nil {
		return fmt.Errorf("account %s not paired", accountID)
	}
	if client.IsConnected() {
		return nil
	}
	return client.Connect()
}

// Logout ends the account's WhatsApp session.
func (m *Manager) Logout(ctx context.Context, accountID string) error {
	m.mu.Lock()
	client, ok := m.clients[accountID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if client.Store.ID == nil {
		return nil
	}
	return client.Logout(ctx)
}

// DropAccount discards the cached client for an account.
func (m *Manager) DropAccount(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.clients[accountID]; ok {
		client.Disconnect()
		delete(m.clients, accountID)
	}
}

// SendText sends a plain text message to a chat JID and returns the message id.
func (m *Manager) SendText(ctx context.Context, accountID, chatJID, text string) (string, error) {
	client := m.ensureClient(accountID)
	if client.Store == nil || client.Store.ID == nil {
		return "", fmt.Errorf("account %s not paired", accountID)
	}
	jid, err := types.ParseJID(chatJID)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	msg := &waProto.Message{Conversation: strptr(text)}
	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SendMedia uploads media bytes and sends them as an image or video message
// with an optional caption, returning the message id.
func (m *Manager) SendMedia(ctx context.Context, accountID, chatJID string, data []byte, mimeType, caption string) (string, error) {
	client := m.ensureClient(accountID)
	if client.Store == nil || client.Store.ID == nil {
		return "", fmt.Errorf("account %s not paired", accountID)
	}
	jid, err := types.ParseJID(chatJID)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}

	mediaType := whatsmeow.MediaImage
	if strings.HasPrefix(mimeType, "video/") {
		mediaType = whatsmeow.MediaVideo
	}
	up, err := client.Upload(ctx, data, mediaType)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}

	length := uint64(len(data))
	var msg *waProto.Message
	if mediaType == whatsmeow.MediaVideo {
		msg = &waProto.Message{VideoMessage: &waProto.VideoMessage{
			Caption:       optstr(caption),
			Mimetype:      optstr(mimeType),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	} else {
		msg = &waProto.Message{ImageMessage: &waProto.ImageMessage{
			Caption:       optstr(caption),
			Mimetype:      optstr(mimeType),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}
	}

	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func strptr(s string) *string { return &s }

func optstr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
