package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Control RPC bodies are CBOR arrays, so the declared field order of every
// struct below is the wire contract. Append new fields at the end only.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 4096,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Message is a control RPC.
type Message interface {
	Command() byte
}

// MatchUpdate is the instance's latest match summary.
type MatchUpdate struct {
	_             struct{} `cbor:",toarray"`
	GameTime      int32    `json:"game_time"`
	TimeLimit     int32    `json:"time_limit"`
	GoalScore     int32    `json:"goal_score"`
	MatchState    string   `json:"match_state"`
	TeamScores    []int32  `json:"team_scores"`
	NumPlayers    int32    `json:"num_players"`
	NumSpectators int32    `json:"num_spectators"`
	MapName       string   `json:"map_name"`
}

// PlayerInfo describes one player connected to an instance.
type PlayerInfo struct {
	_           struct{} `cbor:",toarray"`
	PlayerID    string   `json:"player_id"`
	PlayerName  string   `json:"player_name"`
	PlayerScore int32    `json:"player_score"`
	RankCheck   int32    `json:"rank_check"`
	Spectator   bool     `json:"spectator"`
}

// ---- Instance -> Hub ----

type NotifyInstanceReady struct {
	_            struct{} `cbor:",toarray"`
	InstanceID   uint32
	InstanceGUID string
	MapName      string
}

type UpdateMatch struct {
	_          struct{} `cbor:",toarray"`
	InstanceID uint32
	Update     MatchUpdate
}

type UpdatePlayer struct {
	_            struct{} `cbor:",toarray"`
	InstanceID   uint32
	Player       PlayerInfo
	IsLastUpdate bool
}

type EndGame struct {
	_          struct{} `cbor:",toarray"`
	InstanceID uint32
	Update     MatchUpdate
}

type InstanceEmpty struct {
	_          struct{} `cbor:",toarray"`
	InstanceID uint32
}

// RequestDedicatedAuthorization is sent by an instance that was not spawned
// by this hub and presents a pre-shared key instead.
type RequestDedicatedAuthorization struct {
	_            struct{} `cbor:",toarray"`
	InstanceGUID string
	HubKey       string
	ServerName   string
	GameMode     string
	Description  string
	MaxPlayers   int32
	JoinAnytime  bool
	Address      string
}

type PrimeMapList struct {
	_          struct{} `cbor:",toarray"`
	InstanceID uint32
}

type SendNextMap struct {
	_          struct{} `cbor:",toarray"`
	InstanceID uint32
	LastIndex  int32
}

type RequestNextBan struct {
	_          struct{} `cbor:",toarray"`
	InstanceID uint32
	LastIndex  int32
}

// ---- Hub -> Instance ----

type AuthorizeDedicatedInstance struct {
	_          struct{} `cbor:",toarray"`
	HubGUID    string
	InstanceID uint32
}

type ReceiveMap struct {
	_          struct{} `cbor:",toarray"`
	MapPackage string
	Title      string
	Screenshot string
	Index      int32
}

type RequestFirstBan struct {
	_ struct{} `cbor:",toarray"`
}

type ReceiveBan struct {
	_          struct{} `cbor:",toarray"`
	BanID      string
	Index      int32
	Total      int32
	IsFinished bool
}

type ForceShutdown struct {
	_ struct{} `cbor:",toarray"`
}

type Kick struct {
	_        struct{} `cbor:",toarray"`
	TargetID string
}

type ReceiveRconMessage struct {
	_        struct{} `cbor:",toarray"`
	TargetID string
	Text     string
}

type AuthorizeAdmin struct {
	_       struct{} `cbor:",toarray"`
	AdminID string
	IsAdmin bool
}

// ReceiveUserMessage is a best-effort chat relay in either direction.
type ReceiveUserMessage struct {
	_        struct{} `cbor:",toarray"`
	TargetID string
	Text     string
}

// ---- Lobby join service ----

type JoinRequest struct {
	_          struct{} `cbor:",toarray"`
	MatchID    string
	PlayerID   string
	PlayerName string
	Rank       int32
	Spectator  bool
}

type JoinAccepted struct {
	_       struct{} `cbor:",toarray"`
	MatchID string
	Address string
	Direct  bool
}

type JoinRejected struct {
	_       struct{} `cbor:",toarray"`
	MatchID string
	Reason  uint8
	Message string
}

type ServerMessage struct {
	_    struct{} `cbor:",toarray"`
	Text string
}

func (NotifyInstanceReady) Command() byte           { return PktNotifyInstanceReady }
func (UpdateMatch) Command() byte                   { return PktUpdateMatch }
func (UpdatePlayer) Command() byte                  { return PktUpdatePlayer }
func (EndGame) Command() byte                       { return PktEndGame }
func (InstanceEmpty) Command() byte                 { return PktInstanceEmpty }
func (RequestDedicatedAuthorization) Command() byte { return PktRequestDedicatedAuthorization }
func (PrimeMapList) Command() byte                  { return PktPrimeMapList }
func (SendNextMap) Command() byte                   { return PktSendNextMap }
func (RequestNextBan) Command() byte                { return PktRequestNextBan }
func (AuthorizeDedicatedInstance) Command() byte    { return PktAuthorizeDedicatedInstance }
func (ReceiveMap) Command() byte                    { return PktReceiveMap }
func (RequestFirstBan) Command() byte               { return PktRequestFirstBan }
func (ReceiveBan) Command() byte                    { return PktReceiveBan }
func (ForceShutdown) Command() byte                 { return PktForceShutdown }
func (Kick) Command() byte                          { return PktKick }
func (ReceiveRconMessage) Command() byte            { return PktReceiveRconMessage }
func (AuthorizeAdmin) Command() byte                { return PktAuthorizeAdmin }
func (ReceiveUserMessage) Command() byte            { return PktReceiveUserMessage }
func (JoinRequest) Command() byte                   { return PktJoinRequest }
func (JoinAccepted) Command() byte                  { return PktJoinAccepted }
func (JoinRejected) Command() byte                  { return PktJoinRejected }
func (ServerMessage) Command() byte                 { return PktServerMessage }

var registry = map[byte]func() Message{
	PktNotifyInstanceReady:           func() Message { return &NotifyInstanceReady{} },
	PktUpdateMatch:                   func() Message { return &UpdateMatch{} },
	PktUpdatePlayer:                  func() Message { return &UpdatePlayer{} },
	PktEndGame:                       func() Message { return &EndGame{} },
	PktInstanceEmpty:                 func() Message { return &InstanceEmpty{} },
	PktRequestDedicatedAuthorization: func() Message { return &RequestDedicatedAuthorization{} },
	PktPrimeMapList:                  func() Message { return &PrimeMapList{} },
	PktSendNextMap:                   func() Message { return &SendNextMap{} },
	PktRequestNextBan:                func() Message { return &RequestNextBan{} },
	PktAuthorizeDedicatedInstance:    func() Message { return &AuthorizeDedicatedInstance{} },
	PktReceiveMap:                    func() Message { return &ReceiveMap{} },
	PktRequestFirstBan:               func() Message { return &RequestFirstBan{} },
	PktReceiveBan:                    func() Message { return &ReceiveBan{} },
	PktForceShutdown:                 func() Message { return &ForceShutdown{} },
	PktKick:                          func() Message { return &Kick{} },
	PktReceiveRconMessage:            func() Message { return &ReceiveRconMessage{} },
	PktAuthorizeAdmin:                func() Message { return &AuthorizeAdmin{} },
	PktReceiveUserMessage:            func() Message { return &ReceiveUserMessage{} },
	PktJoinRequest:                   func() Message { return &JoinRequest{} },
	PktJoinAccepted:                  func() Message { return &JoinAccepted{} },
	PktJoinRejected:                  func() Message { return &JoinRejected{} },
	PktServerMessage:                 func() Message { return &ServerMessage{} },
}

// Encode serialises a control RPC into a packet.
func Encode(msg Message) (Packet, error) {
	body, err := encMode.Marshal(msg)
	if err != nil {
		return Packet{}, fmt.Errorf("failed to encode %s: %w", CommandName(msg.Command()), err)
	}
	return Packet{Command: msg.Command(), Payload: body}, nil
}

// Decode parses a control RPC packet. The returned Message is a pointer to
// the concrete struct, e.g. *NotifyInstanceReady.
func Decode(pkt Packet) (Message, error) {
	factory, ok := registry[pkt.Command]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, CommandName(pkt.Command))
	}

	msg := factory()
	if err := decMode.Unmarshal(pkt.Payload, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", CommandName(pkt.Command), err)
	}
	return msg, nil
}
