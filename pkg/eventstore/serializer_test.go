package eventstore

import (
	"testing"

	"github.com/casedeskhq/eventengine/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userRegistered struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

func (userRegistered) EventName() string { return "UserRegistered" }

type userSuspended struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

func (userSuspended) EventName() string { return "UserSuspended" }

func TestJSONSerializerRoundTrip(t *testing.T) {
	s := NewJSONSerializer(userRegistered{}, userSuspended{})

	name, payload, err := s.Serialize(userRegistered{UserID: "u-1", Email: "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "UserRegistered", name)

	decoded, err := s.Deserialize(name, payload)
	require.NoError(t, err)
	assert.Equal(t, userRegistered{UserID: "u-1", Email: "a@b.c"}, decoded)
}

func TestJSONSerializerPointerPrototype(t *testing.T) {
	s := NewJSONSerializer(&userSuspended{})

	name, payload, err := s.Serialize(&userSuspended{UserID: "u-2", Reason: "fraud"})
	require.NoError(t, err)

	decoded, err := s.Deserialize(name, payload)
	require.NoError(t, err)
	assert.Equal(t, &userSuspended{UserID: "u-2", Reason: "fraud"}, decoded)
}

func TestSerializeUnboundEvent(t *testing.T) {
	s := NewJSONSerializer(userRegistered{})

	_, _, err := s.Serialize(userSuspended{UserID: "u-3"})
	require.Error(t, err)
	assert.True(t, errors.IsSerialization(err))
}

func TestDeserializeUnboundName(t *testing.T) {
	s := NewJSONSerializer(userRegistered{})

	_, err := s.Deserialize("NoSuchEvent", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsSerialization(err))
}

func TestDeserializeMalformedPayload(t *testing.T) {
	s := NewJSONSerializer(userRegistered{})

	_, err := s.Deserialize("UserRegistered", []byte(`{not json`))
	require.Error(t, err)
	assert.True(t, errors.IsSerialization(err))
}

func TestSerializeNilEventIsValidationError(t *testing.T) {
	s := NewJSONSerializer()
	_, _, err := s.Serialize(nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
