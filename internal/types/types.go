// Package types holds the JSON envelopes exchanged with front-end clients.
package types

import "github.com/Charancs/v-try-on-FP2/internal/catalog"

const (
	TypeFrame          = "frame"
	TypeGarmentChange  = "garment_change"
	TypeGarmentChanged = "garment_changed"
	TypeError          = "error"
	TypeReady          = "ready"
)

// Inbound is any client message. GarmentID is a pointer so a missing id
// can be told apart from garment 0.
type Inbound struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	GarmentID *int   `json:"garment_id,omitempty"`
}

type Frame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func NewFrame(data string) Frame { return Frame{Type: TypeFrame, Data: data} }

type GarmentChanged struct {
	Type      string `json:"type"`
	GarmentID int    `json:"garment_id"`
}

func NewGarmentChanged(id int) GarmentChanged {
	return GarmentChanged{Type: TypeGarmentChanged, GarmentID: id}
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(msg string) Error { return Error{Type: TypeError, Message: msg} }

// Ready is sent once the session's backend is open.
type Ready struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	GarmentID int               `json:"garment_id"`
	Garments  []catalog.Garment `json:"garments"`
}
