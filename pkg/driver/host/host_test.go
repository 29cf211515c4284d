package host

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeChannel(t *testing.T) {
	tab := NewTable()

	c, err := tab.FreeChannel(3)
	require.NoError(t, err)
	assert.Equal(t, 3, c)

	require.NoError(t, tab.BindChannel(3, "en0"))
	assert.Equal(t, "en0", tab.Owner(3))

	c, err = tab.FreeChannel(3)
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	c, err = tab.FreeChannel(-1)
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	for i := 0; i < Channels; i++ {
		if i != 3 {
			require.NoError(t, tab.BindChannel(i, "x"))
		}
	}
	_, err = tab.FreeChannel(-1)
	assert.ErrorIs(t, err, ErrNoChannel)

	require.NoError(t, tab.UnbindChannel(5))
	c, err = tab.FreeChannel(2)
	require.NoError(t, err)
	assert.Equal(t, 5, c)
}

func TestBindChannel(t *testing.T) {
	tab := NewTable()
	assert.ErrorIs(t, tab.BindChannel(8, "en0"), ErrChannelRange)
	assert.ErrorIs(t, tab.BindChannel(-1, "en0"), ErrChannelRange)
	require.NoError(t, tab.BindChannel(1, "en0"))
	assert.ErrorIs(t, tab.BindChannel(1, "en1"), ErrChannelInUse)
	require.NoError(t, tab.UnbindChannel(1))
	assert.Equal(t, "", tab.Owner(1))
}

func TestResidents(t *testing.T) {
	tab := NewTable()

	r := &Resident{Name: "scsilink", Interface: "en1", Channel: 1, Removable: true}
	require.NoError(t, tab.Install(r))
	assert.NotEqual(t, uuid.Nil, r.ID)

	err := tab.Install(&Resident{Interface: "en1"})
	assert.ErrorIs(t, err, ErrAlreadyResident)

	require.NoError(t, tab.Install(&Resident{Interface: "en0"}))

	got, err := tab.Lookup("en1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	list := tab.Residents()
	require.Equal(t, 2, len(list))
	assert.Equal(t, "en0", list[0].Interface)

	require.NoError(t, tab.Remove("en1"))
	_, err = tab.Lookup("en1")
	assert.ErrorIs(t, err, ErrNotResident)
	assert.ErrorIs(t, tab.Remove("en1"), ErrNotResident)
}
