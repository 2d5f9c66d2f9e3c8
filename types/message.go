package types

import "encoding/json"

// Event names. Several names are used in both directions (f.e. a public-stroke from a client is relayed as
// public-stroke to the other clients).
const (
	// client -> server
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventPromoteStroke  = "promote-stroke"
	EventRequestPromote = "request-promote"
	EventUpdateStroke   = "update-stroke"
	EventDeleteStrokes  = "delete-strokes"

	// both directions
	EventPublicStroke  = "public-stroke"
	EventPrivateStroke = "private-stroke"
	EventCodeUpdate    = "code-update"
	EventCursorMove    = "cursor-move"
	EventLiveStroke    = "live-stroke"
	EventLiveStrokeEnd = "live-stroke-end"

	// server -> client
	EventJoinAck                = "join-ack"
	EventRoomJoined             = "room-joined"
	EventPrivateStrokeFromOther = "private-stroke-from-other"
	EventStrokePromoted         = "stroke-promoted"
	EventPromoteRequest         = "promote-request"
	EventPromoteRequestSent     = "promote-request-sent"
	EventUsersUpdate            = "users-update"
	EventUserJoined             = "user-joined"
	EventUserLeft               = "user-left"
	EventStrokeUpdated          = "stroke-updated"
	EventStrokesDeleted         = "strokes-deleted"
	EventError                  = "error"
)

// The different types of messages transferred from the client to here.

// JoinRoomMessage is the first message of every connection, AdminKey is optional.
type JoinRoomMessage struct {
	RoomId   string `mapstructure:"roomId"`
	UserId   string `mapstructure:"userId"`
	AdminKey string `mapstructure:"adminKey"`
}

type PromoteStrokeMessage struct {
	StrokeIds []string `mapstructure:"strokeIds"`
}

type UpdateStrokeMessage struct {
	StrokeId string                 `mapstructure:"strokeId"`
	Updates  map[string]interface{} `mapstructure:"updates"`
	IsPublic bool                   `mapstructure:"isPublic"`
}

type DeleteStrokesMessage struct {
	StrokeIds []string `mapstructure:"strokeIds"`
	IsPublic  bool     `mapstructure:"isPublic"`
}

type CodeUpdateMessage struct {
	Code string `mapstructure:"code"`
}

type CursorMoveMessage struct {
	X float64 `mapstructure:"x"`
	Y float64 `mapstructure:"y"`
}

// The messages sent from here to the clients.

type JoinAck struct {
	RoomId  string `json:"roomId"`
	UserId  string `json:"userId"`
	IsAdmin bool   `json:"isAdmin"`
}

// RoomJoined is the full state snapshot for a joining connection. AllPrivateStrokes and AllUsersCode are only set
// for the admin.
type RoomJoined struct {
	RoomId            string              `json:"roomId"`
	UserId            string              `json:"userId"`
	IsAdmin           bool                `json:"isAdmin"`
	UserCount         int                 `json:"userCount"`
	PublicStrokes     []Stroke            `json:"publicStrokes"`
	PrivateStrokes    []Stroke            `json:"privateStrokes"`
	AllPrivateStrokes map[string][]Stroke `json:"allPrivateStrokes,omitempty"`
	AllUsersCode      map[string]string   `json:"allUsersCode,omitempty"`
	MyCode            string              `json:"myCode"`
}

type PrivateStrokeFromOther struct {
	UserId string `json:"userId"`
	Stroke Stroke `json:"stroke"`
}

type StrokePromoted struct {
	StrokeId string `json:"strokeId"`
	UserId   string `json:"userId"`
}

type PromoteRequest struct {
	UserId      string `json:"userId"`
	StrokeCount int    `json:"strokeCount"`
	Timestamp   int64  `json:"timestamp"` // unix millis
}

type PromoteRequestSent struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type UsersUpdate struct {
	Count int `json:"count"`
}

type UserJoined struct {
	UserId string `json:"userId"`
	Code   string `json:"code"`
}

type UserLeft struct {
	UserId string `json:"userId"`
}

type CodeUpdate struct {
	UserId string `json:"userId"`
	Code   string `json:"code"`
}

type CursorMove struct {
	UserId string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// LiveStroke carries an unfinished stroke verbatim, it is never validated or stored.
type LiveStroke struct {
	UserId string          `json:"userId"`
	Stroke json.RawMessage `json:"stroke"`
}

type LiveStrokeEnd struct {
	UserId string `json:"userId"`
}

type StrokeUpdated struct {
	UserId   string `json:"userId"`
	StrokeId string `json:"strokeId"`
	Stroke   Stroke `json:"stroke"`
	IsPublic bool   `json:"isPublic"`
}

type StrokesDeleted struct {
	UserId    string   `json:"userId"`
	StrokeIds []string `json:"strokeIds"`
	IsPublic  bool     `json:"isPublic"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}
