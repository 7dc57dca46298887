package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ctfreader/internal/container"
	errspkg "github.com/drblury/ctfreader/internal/runtime/errors"
	"github.com/drblury/ctfreader/internal/timeframe"
)

func writeContainer(t *testing.T, n int) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "o2_ctf_run529000_0001.sqlite")
	w, err := container.Create(ctx, path)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		blob, err := timeframe.EncodePayload(timeframe.ITS, timeframe.CompressionSnappy, []byte("its-block"))
		require.NoError(t, err)
		_, err = w.Append(ctx, timeframe.Header{Run: 529000, FirstTFOrbit: uint32(i * 128), TFCounter: uint32(i)},
			map[timeframe.DetID][]byte{timeframe.ITS: blob})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCommandPublishesToDumpFile(t *testing.T) {
	dir := t.TempDir()
	summary := filepath.Join(dir, "ntf.txt")
	dump := filepath.Join(dir, "frames.jsonl")

	_, err := execute(t, "run",
		"-i", writeContainer(t, 2),
		"--detectors", "ITS",
		"--disable-start-patch",
		"--summary-file", summary,
		"--pubsub", "io",
		"--io-file", dump,
		"--wait-initial", "1ms",
		"--wait-max", "2ms",
	)
	require.NoError(t, err)

	got, err := os.ReadFile(summary)
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(got))

	raw, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), `"ctf.header"`))
	assert.Equal(t, 2, strings.Count(string(raw), `"ctf.its"`))
	assert.Equal(t, 1, strings.Count(string(raw), `"ctf.eos"`))
}

func TestRunCommandFatalExitCode(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "run",
		"-i", filepath.Join(dir, "a.sqlite")+","+filepath.Join(dir, "b.sqlite"),
		"--fetch-failure-threshold", "-1",
		"--summary-file", "",
		"--wait-initial", "1ms",
		"--wait-max", "2ms",
	)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, errors.Is(err, errspkg.ErrFailureThreshold))
}

func TestConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reader.yaml")
	body := `input: /data/run529000
detectors: TPC
max_tf: 5
pubsub_system: kafka
kafka_brokers: [a:9092]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	out, err := execute(t, "validate", "-c", path, "--max-tf", "7", "--kafka-brokers", "b:9092,c:9092")
	require.NoError(t, err)
	assert.Contains(t, out, "Detectors:TPC")
	assert.Contains(t, out, "MaxTFs:7")
	assert.Contains(t, out, "KafkaBrokers:[b:9092 c:9092]")
	assert.Contains(t, out, "Input:/data/run529000")
}

func TestConfigFlags(t *testing.T) {
	cmd := NewRootCommand()
	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	counter := run.Flags().Lookup("local-tf-counter")
	require.NotNil(t, counter)
	assert.Contains(t, counter.Usage, "accepted")

	persistent := run.Flags().Lookup("channel-persistent")
	require.NotNil(t, persistent)
	assert.Equal(t, "false", persistent.DefValue)

	out, err := execute(t, "validate", "--input", "/data/ctf", "--channel-persistent")
	require.NoError(t, err)
	assert.Contains(t, out, "ChannelPersistent:true")
}

func TestValidateRedactsSecrets(t *testing.T) {
	out, err := execute(t, "validate", "-i", "/data", "--pubsub", "aws",
		"--aws-region", "eu-central-1", "--aws-secret-access-key", "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "***REDACTED***")
}

func TestValidateRejectsBadConfiguration(t *testing.T) {
	_, err := execute(t, "validate", "-i", "/data", "--pubsub", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "validate", "-i", "/data", "--tf-length", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "validate", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidLogFormat(t *testing.T) {
	_, err := execute(t, "--log-format", "xml", "transports")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTransportsCommandListsAll(t *testing.T) {
	out, err := execute(t, "transports")
	require.NoError(t, err)
	for _, name := range []string{"aws", "channel", "http", "io", "kafka", "nats", "nats-jetstream", "rabbitmq"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "FLOW CONTROL")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(errspkg.NewConfigValidationError(errors.New("bad"))))
	assert.Equal(t, ExitFailure, GetExitCode(WrapExitError(ExitFailure, "run", errspkg.NewConfigValidationError(errors.New("bad")))))
}
