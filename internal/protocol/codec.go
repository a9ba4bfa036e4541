package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Tyrowin/chatrelay/internal/errs"
)

var validate = validator.New()

type frame struct {
	ID      *string         `json:"id"`
	Type    *Kind           `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type authWire struct {
	Token string `json:"token" validate:"required"`
}

type profileWire struct {
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email" validate:"required"`
	Picture string `json:"picture" validate:"required"`
}

type messageWire struct {
	MessageID string       `json:"messageID" validate:"required,uuid"`
	Message   string       `json:"message" validate:"required"`
	Timestamp millis       `json:"timestamp" validate:"required"`
	UserID    string       `json:"userID" validate:"required,uuid"`
	Profile   *profileWire `json:"profile" validate:"required"`
	Channel   string       `json:"channel" validate:"required"`
}

// millis is a millisecond timestamp sent as a decimal string. Bare JSON
// numbers are accepted on input as well.
type millis string

func (m *millis) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*m = millis(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*m = millis(s)
	return nil
}

// Encode serializes an envelope into a single JSON frame.
func Encode(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: no payload", errs.ErrMalformedEnvelope)
	}

	var payload any
	switch p := e.Payload.(type) {
	case AuthPayload:
		payload = authWire{Token: p.Token}
	case Profile:
		payload = toProfileWire(p)
	case ChatMessage:
		pw := toProfileWire(p.SenderProfile)
		payload = messageWire{
			MessageID: p.MessageID.String(),
			Message:   p.Body,
			Timestamp: millis(strconv.FormatInt(p.Timestamp, 10)),
			UserID:    p.SenderClientID.String(),
			Profile:   &pw,
			Channel:   p.Channel,
		}
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", errs.ErrMalformedEnvelope, e.Payload)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	id := e.ID.String()
	kind := e.Payload.Kind()
	return json.Marshal(frame{ID: &id, Type: &kind, Payload: raw})
}

// Decode parses a frame and validates its payload against the declared type.
func Decode(data []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errs.ErrMalformedEnvelope, err)
	}
	if f.ID == nil || f.Type == nil || len(f.Payload) == 0 || bytes.Equal(f.Payload, []byte("null")) {
		return Envelope{}, fmt.Errorf("%w: id, type and payload are required", errs.ErrMalformedEnvelope)
	}
	id, err := uuid.Parse(*f.ID)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: id: %v", errs.ErrMalformedEnvelope, err)
	}

	var payload Payload
	switch *f.Type {
	case KindAuth:
		payload, err = decodeAuth(f.Payload)
	case KindProfile:
		payload, err = decodeProfile(f.Payload)
	case KindMessage:
		payload, err = decodeMessage(f.Payload)
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", errs.ErrMalformedEnvelope, *f.Type)
	}
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Payload: payload}, nil
}

// ValidateProfile applies the profile payload rules to an already built
// profile, such as one returned by an identity verifier.
func ValidateProfile(p Profile) error {
	if err := validate.Struct(toProfileWire(p)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidProfilePayload, err)
	}
	return nil
}

func decodeAuth(raw json.RawMessage) (AuthPayload, error) {
	var w authWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return AuthPayload{}, fmt.Errorf("%w: %v", errs.ErrInvalidAuthPayload, err)
	}
	if err := validate.Struct(w); err != nil {
		return AuthPayload{}, fmt.Errorf("%w: %v", errs.ErrInvalidAuthPayload, err)
	}
	return AuthPayload{Token: w.Token}, nil
}

func decodeProfile(raw json.RawMessage) (Profile, error) {
	var w profileWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", errs.ErrInvalidProfilePayload, err)
	}
	if err := validate.Struct(w); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", errs.ErrInvalidProfilePayload, err)
	}
	return fromProfileWire(w), nil
}

func decodeMessage(raw json.RawMessage) (ChatMessage, error) {
	var w messageWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", errs.ErrInvalidMessagePayload, err)
	}
	if err := validate.Struct(w); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", errs.ErrInvalidMessagePayload, err)
	}

	ts, err := strconv.ParseInt(string(w.Timestamp), 10, 64)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("%w: timestamp: %v", errs.ErrInvalidMessagePayload, err)
	}
	// uuid tags above guarantee both parse.
	messageID := uuid.MustParse(w.MessageID)
	userID := uuid.MustParse(w.UserID)

	return ChatMessage{
		MessageID:      messageID,
		Body:           w.Message,
		Timestamp:      ts,
		SenderClientID: userID,
		SenderProfile:  fromProfileWire(*w.Profile),
		Channel:        w.Channel,
	}, nil
}

func toProfileWire(p Profile) profileWire {
	return profileWire{Name: p.Name, Email: p.Email, Picture: p.PictureURL}
}

func fromProfileWire(w profileWire) Profile {
	return Profile{Name: w.Name, Email: w.Email, PictureURL: w.Picture}
}
