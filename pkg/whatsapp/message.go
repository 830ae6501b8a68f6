package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"

	"github.com/sunshineplan/imgconv"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/go-whatsapp-multi-session-monitor/internal/session"
)

const (
	thumbnailWidth     = 72
	placeholderUnknown = "[Media/Other]"
)

// directory resolves names and phone-number addresses from the device store.
type directory interface {
	ContactName(ctx context.Context, jid types.JID) string
	PhoneJID(ctx context.Context, jid types.JID) types.JID
}

// Classify reports what kind of content a message carries.
func Classify(msg *waE2E.Message) session.Kind {
	switch {
	case msg == nil:
		return session.KindUnsupported
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return session.KindText
	case msg.GetImageMessage() != nil:
		return session.KindImage
	case msg.GetVideoMessage() != nil:
		return session.KindVideo
	case msg.GetAudioMessage() != nil:
		return session.KindAudio
	case msg.GetDocumentMessage() != nil:
		return session.KindDocument
	case msg.GetStickerMessage() != nil:
		return session.KindSticker
	case msg.GetContactMessage() != nil || msg.GetContactsArrayMessage() != nil:
		return session.KindContact
	case msg.GetLocationMessage() != nil || msg.GetLiveLocationMessage() != nil:
		return session.KindLocation
	default:
		return session.KindUnsupported
	}
}

// Text returns the message text, or a placeholder naming the content.
func Text(msg *waE2E.Message) string {
	switch Classify(msg) {
	case session.KindText:
		if c := msg.GetConversation(); c != "" {
			return c
		}
		return msg.GetExtendedTextMessage().GetText()
	case session.KindImage:
		return orPlaceholder(msg.GetImageMessage().GetCaption(), "[Image]")
	case session.KindVideo:
		return orPlaceholder(msg.GetVideoMessage().GetCaption(), "[Video]")
	case session.KindAudio:
		if msg.GetAudioMessage().GetPTT() {
			return "[Voice message]"
		}
		return "[Audio]"
	case session.KindDocument:
		doc := msg.GetDocumentMessage()
		return orPlaceholder(doc.GetCaption(), orPlaceholder(doc.GetFileName(), "[Document]"))
	case session.KindSticker:
		return "[Sticker]"
	case session.KindContact:
		if name := msg.GetContactMessage().GetDisplayName(); name != "" {
			return "[Contact] " + name
		}
		return "[Contact]"
	case session.KindLocation:
		if name := msg.GetLocationMessage().GetName(); name != "" {
			return "[Location] " + name
		}
		return "[Location]"
	}
	return placeholderUnknown
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

// silent reports protocol-level messages that carry nothing to display.
func silent(msg *waE2E.Message) bool {
	if msg == nil {
		return true
	}
	return msg.GetProtocolMessage() != nil ||
		msg.GetReactionMessage() != nil ||
		msg.GetPollUpdateMessage() != nil ||
		(msg.GetSenderKeyDistributionMessage() != nil && Classify(msg) == session.KindUnsupported)
}

// Thumbnail returns a small JPEG preview of image and video content as a
// data URL, or "" when there is none.
func Thumbnail(msg *waE2E.Message) string {
	var raw []byte
	switch {
	case msg.GetImageMessage() != nil:
		raw = msg.GetImageMessage().GetJPEGThumbnail()
	case msg.GetVideoMessage() != nil:
		raw = msg.GetVideoMessage().GetJPEGThumbnail()
	case msg.GetDocumentMessage() != nil:
		raw = msg.GetDocumentMessage().GetJPEGThumbnail()
	}
	if len(raw) == 0 {
		return ""
	}
	img, err := imgconv.Decode(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	if img.Bounds().Dx() > thumbnailWidth {
		img = imgconv.Resize(img, &imgconv.ResizeOption{Width: thumbnailWidth})
	}
	out := new(bytes.Buffer)
	if err := imgconv.Write(out, img, &imgconv.FormatOption{Format: imgconv.JPEG}); err != nil {
		return ""
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(out.Bytes())
}

// Normalize converts a whatsmeow message into the dashboard shape. It
// reports false for status broadcasts and protocol noise.
func Normalize(ctx context.Context, dir directory, evt *events.Message, history bool) (session.Message, bool) {
	if evt == nil || silent(evt.Message) {
		return session.Message{}, false
	}
	info := evt.Info
	if info.Chat.Server == types.BroadcastServer || info.Chat == types.StatusBroadcastJID {
		return session.Message{}, false
	}

	chat := resolve(ctx, dir, info.Chat)
	m := session.Message{
		Key:       info.ID,
		Chat:      chat.String(),
		FromMe:    info.IsFromMe,
		Kind:      Classify(evt.Message),
		Text:      Text(evt.Message),
		Timestamp: info.Timestamp.Unix(),
		History:   history,
		Thumbnail: Thumbnail(evt.Message),
	}
	if info.IsFromMe {
		return m, true
	}

	sender := chat
	if info.IsGroup {
		sender = resolve(ctx, dir, info.Sender)
	}
	m.Sender = sender.String()
	m.PushName = info.PushName
	if dir != nil {
		m.ContactName = dir.ContactName(ctx, sender)
	}
	if m.ContactName == "" {
		m.ContactName = info.PushName
	}
	return m, true
}

func resolve(ctx context.Context, dir directory, jid types.JID) types.JID {
	jid = jid.ToNonAD()
	if dir == nil || (jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer) {
		return jid
	}
	return dir.PhoneJID(ctx, jid)
}
