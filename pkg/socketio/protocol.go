// Package socketio speaks enough Engine.IO v4 / Socket.IO v5 over a
// websocket for browser dashboards using io({transports: ['websocket']}).
package socketio

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type enginePacket byte

const (
	engineOpen    enginePacket = '0'
	engineClose   enginePacket = '1'
	enginePing    enginePacket = '2'
	enginePong    enginePacket = '3'
	engineMessage enginePacket = '4'
)

type socketPacket byte

const (
	socketConnect    socketPacket = '0'
	socketDisconnect socketPacket = '1'
	socketEvent      socketPacket = '2'
	socketAck        socketPacket = '3'
	socketError      socketPacket = '4'
)

var (
	ErrEmptyPacket  = errors.New("empty packet")
	ErrNotEvent     = errors.New("not an event packet")
	ErrBadEventBody = errors.New("invalid event payload")
)

// Event is a decoded client event.
type Event struct {
	Namespace string
	AckID     *int
	Name      string
	Args      []json.RawMessage
}

// Bind decodes the first argument into v.
func (e Event) Bind(v any) error {
	if len(e.Args) == 0 {
		return errors.New("event has no arguments")
	}
	return json.Unmarshal(e.Args[0], v)
}

type openPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

func encodeOpen(p openPayload) (string, error) {
	if p.Upgrades == nil {
		p.Upgrades = []string{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(engineOpen) + string(data), nil
}

func splitNamespace(s string) (namespace, rest string) {
	if !strings.HasPrefix(s, "/") {
		return "/", s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return s, ""
	}
	return s[:comma], s[comma+1:]
}

func splitAckID(s string) (*int, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return nil, s
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return nil, s
	}
	return &v, s[i:]
}

// ParseEvent decodes a socket-level event packet such as
// `2["send-message",{...}]` or `2/admin,7["ping"]`.
func ParseEvent(payload string) (Event, error) {
	if payload == "" {
		return Event{}, ErrEmptyPacket
	}
	if socketPacket(payload[0]) != socketEvent {
		return Event{}, ErrNotEvent
	}
	ns, rest := splitNamespace(payload[1:])
	id, rest := splitAckID(rest)
	if !strings.HasPrefix(rest, "[") {
		return Event{}, ErrBadEventBody
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return Event{}, err
	}
	if len(arr) == 0 {
		return Event{}, errors.New("missing event name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return Event{}, errors.New("invalid event name")
	}
	return Event{Namespace: ns, AckID: id, Name: name, Args: arr[1:]}, nil
}

func writeNamespace(b *strings.Builder, namespace string) {
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
}

// EncodeEvent builds the engine message carrying a socket event.
func EncodeEvent(namespace, event string, args ...any) (string, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketEvent))
	writeNamespace(&b, namespace)
	b.Write(data)
	return b.String(), nil
}

func encodeConnect(namespace, sid string) (string, error) {
	data, err := json.Marshal(map[string]string{"sid": sid})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketConnect))
	writeNamespace(&b, namespace)
	b.Write(data)
	return b.String(), nil
}

func encodeConnectError(namespace, message string) (string, error) {
	data, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketError))
	writeNamespace(&b, namespace)
	b.Write(data)
	return b.String(), nil
}

func encodeAck(namespace string, id int, args ...any) (string, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteByte(byte(engineMessage))
	b.WriteByte(byte(socketAck))
	writeNamespace(&b, namespace)
	b.WriteString(strconv.Itoa(id))
	b.Write(data)
	return b.String(), nil
}
