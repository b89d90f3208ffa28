package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rickgao/marketfeed/internal/model"
)

var (
	ErrNoKeys      = errors.New("no instrument keys")
	ErrUnknownMode = errors.New("unknown subscription mode")
)

// NewCorrelationID returns a fresh request guid.
func NewCorrelationID() string {
	return uuid.NewString()
}

// EncodeSubscribe builds a subscribe request for keys under mode.
func EncodeSubscribe(mode model.Mode, keys []model.InstrumentKey, correlationID string) ([]byte, error) {
	if err := checkModeKeys(mode, keys); err != nil {
		return nil, err
	}
	return encode(MethodSubscribe, mode, keys, correlationID)
}

// EncodeUnsubscribe builds an unsubscribe request. Unsubscribe carries no mode.
func EncodeUnsubscribe(keys []model.InstrumentKey, correlationID string) ([]byte, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return encode(MethodUnsubscribe, "", keys, correlationID)
}

// EncodeChangeMode builds a request moving already-subscribed keys to another mode.
func EncodeChangeMode(mode model.Mode, keys []model.InstrumentKey, correlationID string) ([]byte, error) {
	if err := checkModeKeys(mode, keys); err != nil {
		return nil, err
	}
	return encode(MethodChangeMode, mode, keys, correlationID)
}

func checkModeKeys(mode model.Mode, keys []model.InstrumentKey) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if len(keys) == 0 {
		return ErrNoKeys
	}
	if len(keys) > mode.Limit() {
		return &model.CapacityError{Mode: mode, Requested: len(keys), Limit: mode.Limit()}
	}
	return nil
}

func encode(method string, mode model.Mode, keys []model.InstrumentKey, correlationID string) ([]byte, error) {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return json.Marshal(Request{
		GUID:   correlationID,
		Method: method,
		Data: RequestData{
			Mode:           mode,
			InstrumentKeys: keys,
		},
	})
}
