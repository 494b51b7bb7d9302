package framing

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
)

// TypeChangeGarment is the only command the backend understands.
const TypeChangeGarment = "change_garment"

// Command is the structured payload of a command message.
type Command struct {
	Type string `cbor:"type" json:"type"`
	ID   int    `cbor:"id" json:"id"`
}

func ChangeGarment(id int) Command {
	return Command{Type: TypeChangeGarment, ID: id}
}

var encMode cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = mode
}

// EncodeCommand serializes c as a CBOR map.
func EncodeCommand(c Command) ([]byte, error) {
	return encMode.Marshal(c)
}

// DecodeCommand parses a command payload. Payloads without a type are
// rejected.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := cbor.Unmarshal(b, &c); err != nil {
		return Command{}, relayerr.Protocol("command", err)
	}
	if c.Type == "" {
		return Command{}, relayerr.Protocol("command", fmt.Errorf("missing command type"))
	}
	return c, nil
}
