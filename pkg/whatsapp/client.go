// Package whatsapp connects session slots to WhatsApp through whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/env"
	"github.com/gdbrns/go-whatsapp-multi-session-monitor/pkg/log"
)

var (
	ErrNotRegistered = errors.New("WhatsApp Personal ID is Not Registered")
	ErrNoDevice      = errors.New("WhatsApp Client Store ID is Empty")
)

const (
	versionRefreshTimeout = 20 * time.Second
	routingTimeout        = 5 * time.Second
)

// Dialer creates whatsmeow clients for slots.
type Dialer struct {
	store    *Datastore
	versions *VersionRefresher
	proxyURL string
}

// deviceProps guards the process-wide companion props whatsmeow sends on pairing.
var deviceProps sync.Once

func setDeviceProps() {
	deviceProps.Do(func() {
		store.DeviceProps.Os = proto.String(runtime.GOOS)
		store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
		store.DeviceProps.RequireFullSync = proto.Bool(false)
	})
}

func NewDialer(ds *Datastore, versions *VersionRefresher) *Dialer {
	setDeviceProps()
	return &Dialer{
		store:    ds,
		versions: versions,
		proxyURL: env.GetEnvStringOrDefault("WHATSAPP_CLIENT_PROXY_URL", ""),
	}
}

// Dial loads the slot's device, connects it and wires its events to sink.
// An unpaired device reports pairing codes until the phone scans one.
func (d *Dialer) Dial(ctx context.Context, slot int, sink session.Sink) (session.Handle, error) {
	if d.versions != nil {
		vctx, cancel := context.WithTimeout(ctx, versionRefreshTimeout)
		if _, refreshed, err := d.versions.Refresh(vctx, false); err != nil {
			log.SlotOp(slot, "dial").WithError(err).Warn("WA Web version refresh failed, using built-in version")
		} else if refreshed {
			log.SlotOp(slot, "dial").WithField("version", store.GetWAVersion().String()).Info("WA Web version refreshed")
		}
		cancel()
	}

	device, err := d.store.Device(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, nil)
	if d.proxyURL != "" {
		if err := client.SetProxyAddress(d.proxyURL); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}
	// Reconnects are owned by the session controller.
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	h := &handle{
		slot:   slot,
		client: client,
		store:  d.store,
		sink:   sink,
		log:    log.Slot(slot),
	}
	h.handlerID = client.AddEventHandler(h.onEvent)

	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(ctx)
		h.stopQR = cancel
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			h.detach()
			return nil, fmt.Errorf("open qr channel: %w", err)
		}
		go h.relayPairing(qrChan)
	}

	if err := client.Connect(); err != nil {
		h.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return h, nil
}

// handle is one whatsmeow client bound to a slot.
type handle struct {
	slot      int
	client    *whatsmeow.Client
	store     *Datastore
	sink      session.Sink
	log       *logrus.Entry
	handlerID uint32
	stopQR    context.CancelFunc

	mu      sync.Mutex
	pending []*waHistorySync.Conversation
	closed  bool
}

func (h *handle) Connected() bool {
	return h.client.IsConnected() && h.client.IsLoggedIn()
}

func (h *handle) Identity() session.Identity {
	if h.client.Store.ID == nil {
		return session.Identity{}
	}
	return session.Identity{
		JID:  h.client.Store.ID.ToNonAD().String(),
		Name: h.client.Store.PushName,
	}
}

func (h *handle) SendText(ctx context.Context, to string, text string) (string, error) {
	remoteJID, err := h.checkJID(ctx, to)
	if err != nil {
		return "", err
	}
	msgExtra := whatsmeow.SendRequestExtra{ID: h.client.GenerateMessageID()}
	msgContent := &waE2E.Message{
		Conversation: proto.String(text),
	}
	if _, err := h.client.SendMessage(ctx, remoteJID, msgContent, msgExtra); err != nil {
		return "", err
	}
	return msgExtra.ID, nil
}

// checkJID resolves a personal address to the JID WhatsApp has on record,
// which may differ from the dialled digits.
func (h *handle) checkJID(ctx context.Context, to string) (types.JID, error) {
	remoteJID, err := types.ParseJID(to)
	if err != nil {
		return types.EmptyJID, err
	}
	if remoteJID.Server != types.DefaultUserServer {
		return remoteJID, nil
	}
	infos, err := h.client.IsOnWhatsApp(ctx, []string{"+" + remoteJID.User})
	if err != nil {
		h.log.WithError(err).Debug("Registration lookup failed, sending to dialled address")
		return remoteJID, nil
	}
	if len(infos) == 0 || !infos[0].IsIn {
		return types.EmptyJID, ErrNotRegistered
	}
	return infos[0].JID, nil
}

// FetchHistory drains the history the server has pushed so far.
func (h *handle) FetchHistory(ctx context.Context) ([]session.HistoryBatch, error) {
	h.mu.Lock()
	convs := h.pending
	h.pending = nil
	h.mu.Unlock()

	groups := h.groupNames(ctx)
	dir := clientDirectory{h.client}
	batches := make([]session.HistoryBatch, 0, len(convs))
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			return batches, err
		}
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil || chatJID.Server == types.BroadcastServer {
			continue
		}
		batch := session.HistoryBatch{Name: conv.GetName()}
		for _, hm := range conv.GetMessages() {
			webMsg := hm.GetMessage()
			if webMsg == nil || webMsg.GetMessage() == nil {
				continue
			}
			evt, err := h.client.ParseWebMessage(chatJID, webMsg)
			if err != nil {
				continue
			}
			m, ok := Normalize(ctx, dir, evt, true)
			if !ok {
				continue
			}
			batch.Chat = m.Chat
			batch.Messages = append(batch.Messages, m)
		}
		if batch.Chat == "" {
			continue
		}
		if name, ok := groups[chatJID]; ok && name != "" {
			batch.Name = name
		} else if batch.Name == "" && chatJID.Server != types.GroupServer {
			parsed, _ := types.ParseJID(batch.Chat)
			batch.Name = dir.ContactName(ctx, parsed)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (h *handle) groupNames(ctx context.Context) map[types.JID]string {
	names := make(map[types.JID]string)
	groups, err := h.client.GetJoinedGroups(ctx)
	if err != nil {
		h.log.WithError(err).Debug("Joined groups lookup failed")
		return names
	}
	for _, g := range groups {
		names[g.JID] = g.Name
	}
	return names
}

func (h *handle) Logout(ctx context.Context) error {
	if h.client.Store.ID == nil {
		h.Close()
		return ErrNoDevice
	}
	err := h.client.Logout(ctx)
	if err != nil {
		h.client.Disconnect()
		if derr := h.client.Store.Delete(ctx); derr != nil {
			err = errors.Join(err, derr)
		}
	}
	h.forget()
	h.detach()
	return err
}

func (h *handle) Close() {
	h.detach()
	h.client.Disconnect()
}

// detach stops forwarding anything to the slot.
func (h *handle) detach() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.pending = nil
	h.mu.Unlock()
	if h.stopQR != nil {
		h.stopQR()
	}
	h.client.RemoveEventHandler(h.handlerID)
}

func (h *handle) emit(sig session.Signal) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if !closed {
		h.sink(sig)
	}
}

func (h *handle) relayPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			h.emit(session.PairingCode{Code: evt.Code})
		case whatsmeow.QRChannelSuccess.Event:
			h.log.Info("QR code scanned, pairing")
		case whatsmeow.QRChannelTimeout.Event:
			h.emit(session.Closed{Reason: session.ReasonPairingTimeout})
		case whatsmeow.QRChannelClientOutdated.Event:
			h.emit(session.Closed{Reason: session.ReasonFailure, Detail: "whatsapp client version is outdated for QR pairing"})
		case "error":
			detail := "qr channel error"
			if evt.Error != nil {
				detail = evt.Error.Error()
			}
			h.emit(session.Closed{Reason: session.ReasonFailure, Detail: detail})
		default:
			h.log.WithField("event", evt.Event).Warn("Unexpected QR channel event")
		}
	}
}

func (h *handle) onEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		id := h.Identity()
		h.log.WithField("jid", maskJID(id.JID)).Info("Client connected")
		if id.JID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), routingTimeout)
			if err := h.store.Remember(ctx, h.slot, h.client.Store.ID.String()); err != nil {
				h.log.WithError(err).Warn("Failed to save slot routing")
			}
			cancel()
		}
		h.emit(session.Opened{Identity: id})
	case *events.LoggedOut:
		h.log.WithField("reason", e.Reason.String()).Warn("Client logged out")
		h.forget()
		h.emit(session.Closed{Reason: session.ReasonLoggedOut, Detail: e.Reason.String()})
	case *events.ConnectFailure:
		h.log.WithField("reason", e.Reason.String()).WithField("message", e.Message).Error("Client connection failure")
		if e.Reason.IsLoggedOut() {
			h.forget()
			h.emit(session.Closed{Reason: session.ReasonLoggedOut, Detail: e.Reason.String()})
			return
		}
		h.emit(session.Closed{Reason: session.ReasonFailure, Detail: e.Reason.String()})
	case *events.StreamReplaced:
		h.emit(session.Closed{Reason: session.ReasonReplaced})
	case *events.Disconnected:
		h.log.Warn("Client disconnected")
		h.emit(session.Closed{Reason: session.ReasonConnectionLost})
	case *events.Message:
		if m, ok := Normalize(context.Background(), clientDirectory{h.client}, e, false); ok {
			h.emit(session.Incoming{Messages: []session.Message{m}})
		}
	case *events.HistorySync:
		convs := e.Data.GetConversations()
		if len(convs) == 0 {
			return
		}
		h.mu.Lock()
		h.pending = append(h.pending, convs...)
		h.mu.Unlock()
		h.emit(session.HistoryAvailable{})
	case *events.KeepAliveTimeout:
		h.log.WithField("errors", e.ErrorCount).WithField("last_success", e.LastSuccess.Format(time.RFC3339)).Warn("Client keepalive timeout")
	case *events.TemporaryBan:
		h.log.WithField("code", e.Code.String()).WithField("expires", e.Expire.String()).Error("Client temporarily banned")
	}
}

func (h *handle) forget() {
	ctx, cancel := context.WithTimeout(context.Background(), routingTimeout)
	defer cancel()
	if err := h.store.Forget(ctx, h.slot); err != nil {
		h.log.WithError(err).Warn("Failed to clear slot routing")
	}
}

// clientDirectory reads names and LID mappings from a client's store.
type clientDirectory struct {
	client *whatsmeow.Client
}

func (d clientDirectory) ContactName(ctx context.Context, jid types.JID) string {
	if d.client.Store == nil || d.client.Store.Contacts == nil {
		return ""
	}
	contact, err := d.client.Store.Contacts.GetContact(ctx, jid)
	if err != nil || !contact.Found {
		return ""
	}
	for _, name := range []string{contact.FullName, contact.FirstName, contact.BusinessName} {
		if strings.TrimSpace(name) != "" {
			return name
		}
	}
	return ""
}

func (d clientDirectory) PhoneJID(ctx context.Context, jid types.JID) types.JID {
	if d.client.Store == nil || d.client.Store.LIDs == nil {
		return jid
	}
	pn, err := d.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}
