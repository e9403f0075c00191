package workerproto_test

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvix-contrib/tvix-go/pkg/workerproto"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(strings.ReplaceAll(s, " ", ""), "\n", ""))
	require.NoError(t, err)
	return b
}

// captured from a Nix 2.3.17 run, protocol version 21, no overrides.
func TestReadClientSettingsWithoutOverrides(t *testing.T) {
	wire := hexBytes(t, `
		00 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		02 00 00 00 00 00 00 00
		10 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		01 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		01 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00`)

	r := workerproto.NewReader(bytes.NewReader(wire))
	settings, err := r.ReadClientSettings(workerproto.Version{Major: 1, Minor: 21})
	require.NoError(t, err)

	assert.Equal(t, &workerproto.ClientSettings{
		KeepFailed:     false,
		KeepGoing:      false,
		TryFallback:    false,
		Verbosity:      workerproto.LvlNotice,
		MaxBuildJobs:   16,
		MaxSilentTime:  0,
		VerboseBuild:   false,
		BuildCores:     0,
		UseSubstitutes: true,
		Overrides:      map[string]string{},
	}, settings)
}

func TestReadClientSettingsWithOverrides(t *testing.T) {
	wire := hexBytes(t, `
		00 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		02 00 00 00 00 00 00 00
		10 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		01 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		00 00 00 00 00 00 00 00
		01 00 00 00 00 00 00 00
		02 00 00 00 00 00 00 00
		0c 00 00 00 00 00 00 00
		61 6c 6c 6f 77 65 64 2d
		75 72 69 73 00 00 00 00
		1e 00 00 00 00 00 00 00
		68 74 74 70 73 3a 2f 2f
		62 6f 72 64 65 61 75 78
		2e 67 75 69 78 2e 67 6e
		75 2e 6f 72 67 2f 00 00
		0d 00 00 00 00 00 00 00
		61 6c 6c 6f 77 65 64 2d
		75 73 65 72 73 00 00 00
		0b 00 00 00 00 00 00 00
		6a 65 61 6e 20 70 69 65
		72 72 65 00 00 00 00 00`)

	r := workerproto.NewReader(bytes.NewReader(wire))
	settings, err := r.ReadClientSettings(workerproto.Version{Major: 1, Minor: 21})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"allowed-uris":  "https://bordeaux.guix.gnu.org/",
		"allowed-users": "jean pierre",
	}, settings.Overrides)
	assert.True(t, settings.UseSubstitutes)
	assert.Equal(t, uint64(16), settings.MaxBuildJobs)
}

func TestStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := workerproto.NewWriter(&buf)
	require.NoError(t, w.WriteString("hello"))
	require.NoError(t, w.WriteString(""))
	require.NoError(t, w.WriteString("exactly8"))

	r := workerproto.NewReader(&buf)
	s, err := r.ReadString(64)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	s, err = r.ReadString(64)
	require.NoError(t, err)
	assert.Equal(t, "", s)

	s, err = r.ReadString(64)
	require.NoError(t, err)
	assert.Equal(t, "exactly8", s)
}

func TestVersionPacking(t *testing.T) {
	v := workerproto.Version{Major: 1, Minor: 35}
	assert.Equal(t, v, workerproto.UnpackVersion(v.Pack()))
	assert.True(t, v.AtLeast(workerproto.Version{Major: 1, Minor: 10}))
	assert.False(t, workerproto.Version{Major: 1, Minor: 9}.AtLeast(workerproto.MinVersion))
}

func TestHandshake(t *testing.T) {
	var serverToClient bytes.Buffer
	sw := workerproto.NewWriter(&serverToClient)
	require.NoError(t, sw.WriteUint64(workerproto.ServerMagic))
	require.NoError(t, sw.WriteUint64(workerproto.Version{Major: 1, Minor: 21}.Pack()))

	rw := &loopback{toClient: &serverToClient}
	version, err := workerproto.Handshake(rw, workerproto.Version{Major: 1, Minor: 21})
	require.NoError(t, err)
	assert.Equal(t, workerproto.Version{Major: 1, Minor: 21}, version)
}

// loopback feeds pre-scripted server bytes back to Handshake's reads,
// while discarding its writes (client -> server direction isn't checked
// here — the ReadClientSettings and string tests above cover framing).
type loopback struct {
	toClient *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.toClient.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return len(p), nil }
