package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Run      uint32 `json:"run"`
	Orbit    uint32 `json:"first_tf_orbit"`
	Creation int64  `json:"creation_time"`
	Mask     string `json:"detectors"`
}

func TestCodecsRoundTripRecord(t *testing.T) {
	in := record{Run: 505207, Orbit: 133875, Creation: 1635322620830, Mask: "ITS,TPC"}

	for _, name := range []string{"json", "proto"} {
		t.Run(name, func(t *testing.T) {
			c, err := ByName(name)
			require.NoError(t, err)
			assert.Equal(t, name, c.Name())

			data, err := c.Marshal(in)
			require.NoError(t, err)

			var out record
			require.NoError(t, c.Unmarshal(data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestProtoRejectsNonObject(t *testing.T) {
	_, err := Proto{}.Marshal([]int{1, 2})
	assert.Error(t, err)
}

func TestByNameDefaultsToJSON(t *testing.T) {
	c, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = ByName("xml")
	assert.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, map[string]int{"a": 1}))

	var out map[string]int
	require.NoError(t, Decode(buf, &out))
	assert.Equal(t, 1, out["a"])
}
