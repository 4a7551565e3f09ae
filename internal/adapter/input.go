package adapter

import "encoding/binary"

// Desktop input commands.
const (
	cmdKey   = 1
	cmdMouse = 2
)

// KeyAction is a key transition.
type KeyAction byte

const (
	KeyDown KeyAction = 0
	KeyUp   KeyAction = 1
)

// MouseButton is the button field of a mouse event.  Move carries no
// button change.
type MouseButton byte

const (
	MouseMove       MouseButton = 0x00
	MouseLeftDown   MouseButton = 0x02
	MouseLeftUp     MouseButton = 0x04
	MouseRightDown  MouseButton = 0x08
	MouseRightUp    MouseButton = 0x10
	MouseMiddleDown MouseButton = 0x20
	MouseMiddleUp   MouseButton = 0x40
)

// EncodeKey returns the 6-byte key event: command, length, action,
// virtual key code.
func EncodeKey(action KeyAction, keycode byte) []byte {
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b[0:], cmdKey)
	binary.BigEndian.PutUint16(b[2:], 6)
	b[4] = byte(action)
	b[5] = keycode
	return b
}

// EncodeMouse returns the 10-byte mouse event: command, length, a zero
// pad byte, buttons, then x and y.
func EncodeMouse(buttons MouseButton, x, y uint16) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:], cmdMouse)
	binary.BigEndian.PutUint16(b[2:], 10)
	b[5] = byte(buttons)
	binary.BigEndian.PutUint16(b[6:], x)
	binary.BigEndian.PutUint16(b[8:], y)
	return b
}
