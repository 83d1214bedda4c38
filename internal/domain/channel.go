package domain

import "errors"

const MaxChannelIDLen = 64

var (
	ErrChannelIDEmpty   = errors.New("channel id empty")
	ErrChannelIDTooLong = errors.New("channel id too long")
)

// ChannelID is an opaque voice channel identifier owned by the CRUD service.
type ChannelID string

func ParseChannelID(raw string) (ChannelID, error) {
	if raw == "" {
		return "", ErrChannelIDEmpty
	}
	if len(raw) > MaxChannelIDLen {
		return "", ErrChannelIDTooLong
	}
	return ChannelID(raw), nil
}

// Direction of a media transport relative to the client.
type Direction string

const (
	Upload   Direction = "send"
	Download Direction = "recv"
)

func (d Direction) Valid() bool { return d == Upload || d == Download }
